package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LocalConfig — параметры файлового бэкенда.
type LocalConfig struct {
	// DataDir — корневая директория данных
	DataDir string
	// PublicURL — базовый URL, по которому раздаются файлы (/media)
	PublicURL string
	// SigningSecret — секрет HMAC для подписей прямой загрузки
	SigningSecret string
	// QuotaBytes — квота (0 — без квоты)
	QuotaBytes int64
	// SignedUploadTTL — срок действия подписи
	SignedUploadTTL time.Duration
	// MaxObjectSize — предел прямой загрузки по подписи (0 — без предела)
	MaxObjectSize int64
	// Root — корневая папка объектов внутри DataDir
	Root string
}

// LocalStore — Store поверх локальной файловой системы.
// Запись: temp файл → запись + SHA-256 → fsync → atomic rename.
type LocalStore struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu   sync.Mutex
	used int64 // занято байт под Root, для проверки квоты
}

// NewLocalStore создаёт LocalStore и подсчитывает занятое место.
func NewLocalStore(cfg LocalConfig, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", cfg.DataDir, err)
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("не задан секрет подписи прямой загрузки")
	}

	ls := &LocalStore{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "local_store")),
	}

	var used int64
	err := ls.List(context.Background(), cfg.Root, func(info ObjectInfo) error {
		used += info.SizeBytes
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта занятого места: %w", err)
	}
	ls.used = used

	return ls, nil
}

// Backend возвращает "local".
func (ls *LocalStore) Backend() string { return "local" }

// Put записывает объект под новым ключом в папке.
func (ls *LocalStore) Put(ctx context.Context, in PutInput) (*Object, error) {
	if in.Folder == "" {
		return nil, fmt.Errorf("пустая папка: %w", ErrInvalidInput)
	}
	return ls.write(ctx, NewKey(in.Folder, in.Filename), in.Body, in.Size, false)
}

// PutSigned записывает объект по ключу из подписи прямой загрузки.
// Подпись одноразовая: повторный PUT по тому же ключу отклоняется.
// Объект больше MaxObjectSize не сохраняется.
func (ls *LocalStore) PutSigned(ctx context.Context, storageID, expires, signature string, body io.Reader, size int64) (*Object, error) {
	if err := ls.VerifySignedUpload(storageID, expires, signature, time.Now()); err != nil {
		return nil, err
	}
	limit := ls.cfg.MaxObjectSize
	if limit > 0 {
		if size > limit {
			return nil, fmt.Errorf("%d байт при пределе %d: %w", size, limit, ErrTooLarge)
		}
		// Content-Length может отсутствовать: лишний байт выдаёт превышение
		body = io.LimitReader(body, limit+1)
	}
	obj, err := ls.write(ctx, storageID, body, size, true)
	if err != nil {
		return nil, err
	}
	if limit > 0 && obj.SizeBytes > limit {
		ls.Delete(ctx, []string{storageID})
		return nil, fmt.Errorf("получено больше %d байт: %w", limit, ErrTooLarge)
	}
	return obj, nil
}

// write пишет объект по key. При exclusive существующий объект не перезаписывается.
func (ls *LocalStore) write(ctx context.Context, key string, body io.Reader, size int64, exclusive bool) (*Object, error) {
	fullPath, err := ls.fullPath(key)
	if err != nil {
		return nil, err
	}
	if exclusive {
		if _, err := os.Stat(fullPath); err == nil {
			return nil, fmt.Errorf("ключ %s: %w", key, ErrAlreadyExists)
		}
	}
	if ls.cfg.QuotaBytes > 0 && size > 0 && ls.currentUsed()+size > ls.cfg.QuotaBytes {
		return nil, fmt.Errorf("нужно %d байт: %w", size, ErrQuotaExceeded)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("ошибка создания папки: %w: %w", ErrUnavailable, err)
	}

	contentType, reader, err := sniff(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения данных: %w", err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w: %w", ErrUnavailable, err)
	}

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w: %w", ErrUnavailable, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w: %w", ErrUnavailable, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w: %w", ErrUnavailable, err)
	}

	ls.mu.Lock()
	// Перезапись заменяет старый объект: в квоту идёт только разница
	var replaced int64
	if prev, statErr := os.Stat(fullPath); statErr == nil {
		if exclusive {
			ls.mu.Unlock()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("ключ %s: %w", key, ErrAlreadyExists)
		}
		replaced = prev.Size()
	}
	if ls.cfg.QuotaBytes > 0 && ls.used-replaced+written > ls.cfg.QuotaBytes {
		ls.mu.Unlock()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("записано %d байт: %w", written, ErrQuotaExceeded)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		ls.mu.Unlock()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w: %w", ErrUnavailable, err)
	}
	ls.used += written - replaced
	ls.mu.Unlock()

	ls.logger.Debug("Объект записан",
		slog.String("storage_id", key),
		slog.Int64("size", written),
		slog.String("sha256", hex.EncodeToString(hasher.Sum(nil))),
	)

	return &Object{
		StorageID:   key,
		URL:         ls.URL(key),
		SizeBytes:   written,
		ContentType: contentType,
	}, nil
}

// Delete удаляет файлы; отсутствующий файл считается удалённым.
func (ls *LocalStore) Delete(_ context.Context, storageIDs []string) []DeleteOutcome {
	outcomes := make([]DeleteOutcome, 0, len(storageIDs))
	for _, id := range storageIDs {
		fullPath, err := ls.fullPath(id)
		if err != nil {
			outcomes = append(outcomes, DeleteOutcome{StorageID: id, Reason: err.Error()})
			continue
		}

		info, statErr := os.Stat(fullPath)
		if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
			outcomes = append(outcomes, DeleteOutcome{StorageID: id, Reason: err.Error()})
			continue
		}
		if statErr == nil {
			ls.mu.Lock()
			ls.used -= info.Size()
			ls.mu.Unlock()
		}
		outcomes = append(outcomes, DeleteOutcome{StorageID: id, OK: true})
	}
	return outcomes
}

// IssueSignedUpload выдаёт HMAC-подпись на PUT нового ключа в папке.
func (ls *LocalStore) IssueSignedUpload(_ context.Context, folder string) (*SignedUpload, error) {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return nil, fmt.Errorf("пустая папка: %w", ErrInvalidInput)
	}

	now := time.Now()
	expiresAt := now.Add(ls.cfg.SignedUploadTTL).UTC()
	key := folder + "/" + uuidName()
	expires := strconv.FormatInt(expiresAt.Unix(), 10)
	sig := ls.sign(key, expires)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", sig)

	return &SignedUpload{
		Folder:       folder,
		StorageID:    key,
		UploadURL:    ls.cfg.PublicURL + "/" + key + "?" + q.Encode(),
		Method:       "PUT",
		Timestamp:    now.Unix(),
		Signature:    sig,
		ExpiresAt:    expiresAt,
		Credential:   "local-hmac-sha256",
		MaxSizeBytes: ls.cfg.MaxObjectSize,
	}, nil
}

// VerifySignedUpload проверяет подпись и срок её действия.
func (ls *LocalStore) VerifySignedUpload(storageID, expires, signature string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный срок подписи: %w", ErrInvalidInput)
	}
	if now.Unix() > exp {
		return fmt.Errorf("подпись истекла: %w", ErrInvalidInput)
	}
	expected := ls.sign(storageID, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("неверная подпись: %w", ErrInvalidInput)
	}
	return nil
}

func (ls *LocalStore) sign(key, expires string) string {
	mac := hmac.New(sha256.New, []byte(ls.cfg.SigningSecret))
	mac.Write([]byte(key + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Usage обходит файлы под корневой папкой.
func (ls *LocalStore) Usage(ctx context.Context) (*Usage, error) {
	var used, count int64
	err := ls.List(ctx, ls.cfg.Root, func(info ObjectInfo) error {
		used += info.SizeBytes
		count++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return usageFromBytes("local", used, count, ls.cfg.QuotaBytes), nil
}

// Stat возвращает размер, время изменения и MIME-тип файла.
func (ls *LocalStore) Stat(_ context.Context, storageID string) (*ObjectInfo, error) {
	fullPath, err := ls.fullPath(storageID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", storageID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	contentType, _, err := sniff(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &ObjectInfo{
		StorageID:    storageID,
		SizeBytes:    info.Size(),
		ContentType:  contentType,
		LastModified: info.ModTime().UTC(),
	}, nil
}

// Open открывает файл на чтение.
func (ls *LocalStore) Open(_ context.Context, storageID string) (io.ReadCloser, error) {
	fullPath, err := ls.fullPath(storageID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", storageID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return f, nil
}

// List обходит файлы с префиксом; временные файлы пропускаются.
func (ls *LocalStore) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	base := ls.cfg.DataDir
	if p := strings.Trim(prefix, "/"); p != "" {
		full, err := ls.fullPath(p)
		if err != nil {
			return err
		}
		base = full
	}

	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == base {
				return fs.SkipAll
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(ls.cfg.DataDir, p)
		if err != nil {
			return err
		}
		return fn(ObjectInfo{
			StorageID:    filepath.ToSlash(rel),
			SizeBytes:    info.Size(),
			LastModified: info.ModTime().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("ошибка обхода %s: %w", base, err)
	}
	return nil
}

// URL возвращает публичную ссылку на файл.
func (ls *LocalStore) URL(storageID string) string {
	return ls.cfg.PublicURL + "/" + storageID
}

// CheckReady проверяет доступность директории данных.
func (ls *LocalStore) CheckReady() (status string, message string) {
	info, err := os.Stat(ls.cfg.DataDir)
	if err != nil {
		return "fail", fmt.Sprintf("директория данных недоступна: %v", err)
	}
	if !info.IsDir() {
		return "fail", fmt.Sprintf("%s не является директорией", ls.cfg.DataDir)
	}
	return "ok", "директория данных доступна"
}

func (ls *LocalStore) currentUsed() int64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.used
}

// fullPath переводит ключ в путь на диске; ключи с выходом за DataDir отвергаются.
func (ls *LocalStore) fullPath(storageID string) (string, error) {
	clean := path.Clean("/" + storageID)
	if clean == "/" || clean != "/"+strings.TrimPrefix(storageID, "/") || strings.Contains(storageID, "\\") {
		return "", fmt.Errorf("недопустимый ключ %q: %w", storageID, ErrInvalidInput)
	}
	return filepath.Join(ls.cfg.DataDir, filepath.FromSlash(clean)), nil
}
