// Пакет objectstore — клиент внешнего объектного хранилища фотографий.
// Две реализации: S3Store (S3-совместимые хранилища через aws-sdk-go-v2)
// и LocalStore (файлы на диске, для разработки и одиночных установок).
//
// Раскладка ключей: {root}/{clientId}/{имя}; шапки галерей — {root}/headers/{имя}.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Ошибки хранилища.
var (
	// ErrUnavailable — временная недоступность, операцию можно повторить
	ErrUnavailable = errors.New("хранилище недоступно")
	// ErrQuotaExceeded — превышена квота тарифа, повтор бессмыслен до её изменения
	ErrQuotaExceeded = errors.New("квота хранилища исчерпана")
	// ErrInvalidInput — хранилище отвергло запрос
	ErrInvalidInput = errors.New("некорректный запрос к хранилищу")
	// ErrNotFound — объект не найден
	ErrNotFound = errors.New("объект не найден")
	// ErrTooLarge — объект больше допустимого размера
	ErrTooLarge = errors.New("объект превышает допустимый размер")
	// ErrAlreadyExists — по ключу подписи уже загружен объект
	ErrAlreadyExists = errors.New("объект уже существует")
)

// Store — операции объектного хранилища, нужные photolibrary.
type Store interface {
	// Put записывает объект в папку и возвращает его идентификатор, URL и размер.
	Put(ctx context.Context, in PutInput) (*Object, error)
	// Delete удаляет объекты; результат — по одному исходу на каждый id.
	// Отсутствующий объект считается удалённым.
	Delete(ctx context.Context, storageIDs []string) []DeleteOutcome
	// IssueSignedUpload выдаёт ограниченную по времени подпись для прямой
	// загрузки из браузера в указанную папку.
	IssueSignedUpload(ctx context.Context, folder string) (*SignedUpload, error)
	// Usage возвращает использование хранилища по данным самого хранилища.
	Usage(ctx context.Context) (*Usage, error)
	// Stat возвращает метаданные объекта или ErrNotFound.
	Stat(ctx context.Context, storageID string) (*ObjectInfo, error)
	// Open открывает объект на чтение. Вызывающий обязан закрыть reader.
	Open(ctx context.Context, storageID string) (io.ReadCloser, error)
	// List обходит объекты с указанным префиксом.
	List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error
	// URL возвращает публичную ссылку на объект.
	URL(storageID string) string
	// Backend возвращает имя бэкенда (s3, local).
	Backend() string
}

// PutInput — параметры записи объекта.
type PutInput struct {
	// Folder — папка ({root}/{clientId})
	Folder string
	// Filename — исходное имя файла (для имени ключа)
	Filename string
	// Body — содержимое
	Body io.Reader
	// Size — ожидаемый размер (-1, если неизвестен)
	Size int64
}

// Object — записанный объект.
type Object struct {
	StorageID   string
	URL         string
	SizeBytes   int64
	ContentType string
}

// DeleteOutcome — исход удаления одного объекта.
type DeleteOutcome struct {
	StorageID string
	OK        bool
	// Reason — причина ошибки (пусто при OK)
	Reason string
}

// SignedUpload — подпись прямой загрузки.
type SignedUpload struct {
	// Folder — папка, в которую разрешена загрузка
	Folder string
	// StorageID — ключ, под которым нужно загрузить объект
	StorageID string
	// UploadURL — адрес для PUT-запроса
	UploadURL string
	Method    string
	Timestamp int64
	Signature string
	ExpiresAt time.Time
	// Credential — идентификатор ключа, которым сделана подпись
	Credential string
	// MaxSizeBytes — предельный размер объекта (0 — без ограничения)
	MaxSizeBytes int64
	// FormFields — поля формы для presigned POST (S3); для PUT пусто
	FormFields map[string]string
}

// Usage — использование хранилища.
type Usage struct {
	Plan         string
	BytesUsed    int64
	ObjectCount  int64
	CreditsUsed  float64
	CreditsLimit float64
	UsedPercent  float64
}

// ObjectInfo — метаданные объекта.
type ObjectInfo struct {
	StorageID    string
	SizeBytes    int64
	ContentType  string
	LastModified time.Time
}

// gib — единица кредитов тарифа.
const gib = 1 << 30

// sniffLen — сколько байт нужно mimetype для определения типа.
const sniffLen = 3072

// FolderFor возвращает папку клиента: {root}/{clientId}.
func FolderFor(root, clientID string) string {
	return path.Join(strings.Trim(root, "/"), clientID)
}

// InFolder проверяет, что ключ лежит непосредственно в папке.
func InFolder(storageID, folder string) bool {
	dir, name := path.Split(storageID)
	return name != "" && strings.TrimSuffix(dir, "/") == strings.Trim(folder, "/")
}

// BaseName возвращает последний сегмент ключа.
func BaseName(storageID string) string {
	return path.Base(storageID)
}

// NewKey генерирует ключ объекта в папке.
// Формат: {folder}/{name}_{timestamp}_{uuid}.{ext}
func NewKey(folder, originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	name := strings.TrimSuffix(filepath.Base(originalFilename), filepath.Ext(originalFilename))

	name = sanitize(name)
	if len(name) > 50 {
		name = name[:50]
	}
	ext = sanitizeExt(ext)

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	return fmt.Sprintf("%s/%s_%s_%s%s", strings.Trim(folder, "/"), name, ts, uid, ext)
}

// uuidName — имя объекта для прямой загрузки.
func uuidName() string {
	return uuid.New().String()
}

// sanitize оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	clean := sanitize(strings.TrimPrefix(ext, "."))
	if clean == "file" || len(clean) > 10 {
		return ""
	}
	return "." + clean
}

// sniff определяет MIME-тип по первым байтам и возвращает reader,
// который снова отдаёт поток целиком.
func sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}

// usageFromBytes считает кредиты: 1 кредит = 1 GiB.
func usageFromBytes(plan string, used, objects, quota int64) *Usage {
	u := &Usage{
		Plan:        plan,
		BytesUsed:   used,
		ObjectCount: objects,
		CreditsUsed: float64(used) / gib,
	}
	if quota > 0 {
		u.CreditsLimit = float64(quota) / gib
		u.UsedPercent = float64(used) * 100 / float64(quota)
	}
	return u
}

// failAll строит исходы удаления с одной причиной для всех id.
func failAll(ids []string, reason string) []DeleteOutcome {
	out := make([]DeleteOutcome, len(ids))
	for i, id := range ids {
		out[i] = DeleteOutcome{StorageID: id, Reason: reason}
	}
	return out
}
