package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// deleteBatchSize — максимум ключей в одном DeleteObjects.
const deleteBatchSize = 1000

// S3Config — параметры подключения к S3-совместимому хранилищу.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	// PublicURL — базовый URL (CDN) для ссылок на объекты
	PublicURL    string
	UsePathStyle bool
	// QuotaBytes — квота тарифа (0 — без квоты)
	QuotaBytes int64
	// MaxObjectSize — верхняя граница объекта: чтение в память при Put
	// и условие content-length-range в подписи прямой загрузки
	MaxObjectSize int64
	// SignedUploadTTL — срок действия подписи прямой загрузки
	SignedUploadTTL time.Duration
	// Root — корневая папка; Usage считается по ней
	Root string
}

// S3Store — Store поверх S3 API.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     S3Config
	logger  *slog.Logger
}

// NewS3Store создаёт клиента S3 со статическими ключами.
// Если задан Endpoint (MinIO, R2), он используется как BaseEndpoint.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3StoreWithClient(client, cfg, logger), nil
}

func newS3StoreWithClient(client *s3.Client, cfg S3Config, logger *slog.Logger) *S3Store {
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "s3_store")),
	}
}

// Backend возвращает "s3".
func (s *S3Store) Backend() string { return "s3" }

// Put читает содержимое в память (размер ограничен политикой загрузки),
// определяет MIME-тип и записывает объект.
func (s *S3Store) Put(ctx context.Context, in PutInput) (*Object, error) {
	if in.Folder == "" {
		return nil, fmt.Errorf("пустая папка: %w", ErrInvalidInput)
	}

	limit := s.cfg.MaxObjectSize
	if limit <= 0 {
		limit = 64 << 20
	}
	data, err := io.ReadAll(io.LimitReader(in.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения содержимого: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("объект больше %d байт: %w", limit, ErrInvalidInput)
	}

	key := NewKey(in.Folder, in.Filename)
	contentType, _, _ := sniff(bytes.NewReader(data))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return nil, classify("PutObject", err)
	}

	return &Object{
		StorageID:   key,
		URL:         s.objectURL(key),
		SizeBytes:   int64(len(data)),
		ContentType: contentType,
	}, nil
}

// Delete удаляет объекты пачками DeleteObjects.
// Ошибка целого запроса помечает все ключи пачки как неудачные.
func (s *S3Store) Delete(ctx context.Context, storageIDs []string) []DeleteOutcome {
	outcomes := make([]DeleteOutcome, 0, len(storageIDs))

	for start := 0; start < len(storageIDs); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(storageIDs))
		chunk := storageIDs[start:end]

		objects := make([]types.ObjectIdentifier, len(chunk))
		for i, id := range chunk {
			objects[i] = types.ObjectIdentifier{Key: aws.String(id)}
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.cfg.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			s.logger.Warn("Ошибка пакетного удаления объектов",
				slog.Int("count", len(chunk)),
				slog.String("error", err.Error()),
			)
			outcomes = append(outcomes, failAll(chunk, classify("DeleteObjects", err).Error())...)
			continue
		}

		failed := make(map[string]string, len(out.Errors))
		for _, e := range out.Errors {
			code := aws.ToString(e.Code)
			// NoSuchKey — объекта уже нет, удаление идемпотентно
			if code == "NoSuchKey" {
				continue
			}
			failed[aws.ToString(e.Key)] = strings.TrimSpace(code + " " + aws.ToString(e.Message))
		}
		for _, id := range chunk {
			if reason, ok := failed[id]; ok {
				outcomes = append(outcomes, DeleteOutcome{StorageID: id, Reason: reason})
				continue
			}
			outcomes = append(outcomes, DeleteOutcome{StorageID: id, OK: true})
		}
	}

	return outcomes
}

// IssueSignedUpload выдаёт подпись прямой загрузки на новый ключ в папке.
// При заданном MaxObjectSize это presigned POST с условием
// content-length-range: S3 сам отклонит объект больше предела.
// Без предела выдаётся presigned PUT.
func (s *S3Store) IssueSignedUpload(ctx context.Context, folder string) (*SignedUpload, error) {
	if folder == "" {
		return nil, fmt.Errorf("пустая папка: %w", ErrInvalidInput)
	}
	key := strings.Trim(folder, "/") + "/" + uuidName()

	signed := &SignedUpload{
		Folder:       strings.Trim(folder, "/"),
		StorageID:    key,
		ExpiresAt:    time.Now().Add(s.cfg.SignedUploadTTL).UTC(),
		MaxSizeBytes: s.cfg.MaxObjectSize,
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}

	var fields url.Values
	if s.cfg.MaxObjectSize > 0 {
		req, err := s.presign.PresignPostObject(ctx, input, func(o *s3.PresignPostOptions) {
			o.Expires = s.cfg.SignedUploadTTL
			o.Conditions = []any{
				[]any{"content-length-range", 1, s.cfg.MaxObjectSize},
			}
		})
		if err != nil {
			return nil, classify("PresignPostObject", err)
		}
		signed.UploadURL = req.URL
		signed.Method = http.MethodPost
		signed.FormFields = req.Values
		fields = url.Values{}
		for k, v := range req.Values {
			fields.Set(k, v)
		}
	} else {
		req, err := s.presign.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
			o.Expires = s.cfg.SignedUploadTTL
		})
		if err != nil {
			return nil, classify("PresignPutObject", err)
		}
		signed.UploadURL = req.URL
		signed.Method = req.Method
		if u, perr := url.Parse(req.URL); perr == nil {
			fields = u.Query()
		}
	}

	// Подпись и отметка времени — из параметров SigV4
	signed.Signature = fields.Get("X-Amz-Signature")
	signed.Credential = fields.Get("X-Amz-Credential")
	if ts, terr := time.Parse("20060102T150405Z", fields.Get("X-Amz-Date")); terr == nil {
		signed.Timestamp = ts.Unix()
	}
	if signed.Timestamp == 0 {
		signed.Timestamp = time.Now().Unix()
	}

	return signed, nil
}

// Usage суммирует размеры объектов под корневой папкой.
func (s *S3Store) Usage(ctx context.Context) (*Usage, error) {
	var used, count int64
	err := s.List(ctx, s.cfg.Root, func(info ObjectInfo) error {
		used += info.SizeBytes
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usageFromBytes("s3:"+s.cfg.Bucket, used, count, s.cfg.QuotaBytes), nil
}

// Stat возвращает метаданные объекта через HeadObject.
func (s *S3Store) Stat(ctx context.Context, storageID string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(storageID),
	})
	if err != nil {
		return nil, classify("HeadObject", err)
	}
	return &ObjectInfo{
		StorageID:    storageID,
		SizeBytes:    aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Open открывает объект через GetObject.
func (s *S3Store) Open(ctx context.Context, storageID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(storageID),
	})
	if err != nil {
		return nil, classify("GetObject", err)
	}
	return out.Body, nil
}

// List обходит объекты постранично через ListObjectsV2.
func (s *S3Store) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	p := strings.Trim(prefix, "/")
	if p != "" {
		p += "/"
	}
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(p),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return classify("ListObjectsV2", err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				StorageID:    aws.ToString(obj.Key),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if err := fn(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckReady проверяет доступность бакета для /health/ready.
func (s *S3Store) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		return "fail", fmt.Sprintf("бакет %s недоступен: %v", s.cfg.Bucket, err)
	}
	return "ok", "бакет доступен"
}

// URL возвращает публичную ссылку на объект.
func (s *S3Store) URL(storageID string) string {
	return s.objectURL(storageID)
}

// objectURL строит публичную ссылку на объект.
func (s *S3Store) objectURL(key string) string {
	switch {
	case s.cfg.PublicURL != "":
		return s.cfg.PublicURL + "/" + key
	case s.cfg.Endpoint != "" && s.cfg.UsePathStyle:
		return fmt.Sprintf("%s/%s/%s", s.cfg.Endpoint, s.cfg.Bucket, key)
	case s.cfg.Endpoint != "":
		u, err := url.Parse(s.cfg.Endpoint)
		if err != nil {
			return fmt.Sprintf("%s/%s/%s", s.cfg.Endpoint, s.cfg.Bucket, key)
		}
		return fmt.Sprintf("%s://%s.%s/%s", u.Scheme, s.cfg.Bucket, u.Host, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
}

// classify сопоставляет ошибку S3 с ошибками пакета.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}

	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case "QuotaExceeded", "ServiceQuotaExceeded", "XMinioStorageFull", "StorageFull":
			return fmt.Errorf("%s: %w: %s", op, ErrQuotaExceeded, apiErr.ErrorMessage())
		case "InvalidArgument", "InvalidRequest", "InvalidObjectName", "KeyTooLongError",
			"EntityTooLarge", "MalformedXML", "InvalidBucketName", "NoSuchBucket", "AccessDenied":
			return fmt.Errorf("%s: %w: %s %s", op, ErrInvalidInput, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}

	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
