package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/domain/rbac"
	"github.com/BlacIP/photolibrary/internal/objectstore"
	"github.com/BlacIP/photolibrary/internal/repository"
)

const testRoot = "photolibrary"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// adminWith — администратор с указанными правами.
func adminWith(caps ...string) rbac.Actor {
	return rbac.NewActor("sub-admin", "anna", "ADMIN", caps)
}

// superAdmin — привилегированный пользователь.
func superAdmin() rbac.Actor {
	return rbac.NewActor("sub-owner", "owner", "SUPER_ADMIN_MAX", nil)
}

// --- fakeStore ---

type fakeObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeStore — объектное хранилище в памяти.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject

	// putErr возвращает ошибку для файла (nil — успех)
	putErr func(filename string) error
	// putHook вызывается в начале каждой записи
	putHook func(filename string)
	// putDelay — задержка записи
	putDelay time.Duration
	// sizeSkew добавляется к размеру, который возвращает Put
	sizeSkew int64
	// listHook вызывается в начале каждого List
	listHook func()
	// deleteFail — ключи, удаление которых не удаётся, и причина
	deleteFail map[string]string
	usageErr   error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	puts        atomic.Int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]fakeObject), deleteFail: make(map[string]string)}
}

func (s *fakeStore) Put(ctx context.Context, in objectstore.PutInput) (*objectstore.Object, error) {
	s.puts.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxInFlight.Load()
		if n <= m || s.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.putHook != nil {
		s.putHook(in.Filename)
	}
	if s.putDelay > 0 {
		select {
		case <-time.After(s.putDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.putErr != nil {
		if err := s.putErr(in.Filename); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := objectstore.NewKey(in.Folder, in.Filename)
	s.putObject(key, data, time.Now())
	return &objectstore.Object{
		StorageID:   key,
		URL:         s.URL(key),
		SizeBytes:   int64(len(data)) + s.sizeSkew,
		ContentType: "image/jpeg",
	}, nil
}

func (s *fakeStore) putObject(key string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = fakeObject{data: data, contentType: "image/jpeg", modified: modified}
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *fakeStore) Delete(_ context.Context, ids []string) []objectstore.DeleteOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]objectstore.DeleteOutcome, 0, len(ids))
	for _, id := range ids {
		if reason, ok := s.deleteFail[id]; ok {
			out = append(out, objectstore.DeleteOutcome{StorageID: id, Reason: reason})
			continue
		}
		delete(s.objects, id)
		out = append(out, objectstore.DeleteOutcome{StorageID: id, OK: true})
	}
	return out
}

func (s *fakeStore) IssueSignedUpload(_ context.Context, folder string) (*objectstore.SignedUpload, error) {
	return &objectstore.SignedUpload{
		Folder:    folder,
		StorageID: folder + "/signed-object",
		UploadURL: "https://upload.test/" + folder,
		Method:    "PUT",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (s *fakeStore) Usage(context.Context) (*objectstore.Usage, error) {
	if s.usageErr != nil {
		return nil, s.usageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var used int64
	for _, o := range s.objects {
		used += int64(len(o.data))
	}
	return &objectstore.Usage{Plan: "fake", BytesUsed: used, ObjectCount: int64(len(s.objects))}, nil
}

func (s *fakeStore) Stat(_ context.Context, id string) (*objectstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return &objectstore.ObjectInfo{
		StorageID:    id,
		SizeBytes:    int64(len(o.data)),
		ContentType:  o.contentType,
		LastModified: o.modified,
	}, nil
}

func (s *fakeStore) Open(_ context.Context, id string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (s *fakeStore) List(ctx context.Context, prefix string, fn func(objectstore.ObjectInfo) error) error {
	if s.listHook != nil {
		s.listHook()
	}
	s.mu.Lock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		info, err := s.Stat(ctx, k)
		if err != nil {
			continue
		}
		if err := fn(*info); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) URL(id string) string { return "https://cdn.test/" + id }

func (s *fakeStore) Backend() string { return "fake" }

// --- fakeDB ---

// fakeDB — таблицы clients и photos в памяти.
type fakeDB struct {
	mu      sync.Mutex
	clients map[string]model.Client
	photos  map[string]model.Photo

	// photoCreateErr — ошибка создания записи о фото
	photoCreateErr error
	// usageErr — ошибка подсчёта использования
	usageErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{clients: make(map[string]model.Client), photos: make(map[string]model.Photo)}
}

func (db *fakeDB) Clients() repository.ClientRepository { return &fakeClientRepo{db: db} }
func (db *fakeDB) Photos() repository.PhotoRepository  { return &fakePhotoRepo{db: db} }

// WithinTx выполняет fn без настоящей транзакции.
func (db *fakeDB) WithinTx(_ context.Context, fn func(repository.Repos) error) error {
	return fn(repository.Repos{Clients: db.Clients(), Photos: db.Photos()})
}

// addClient добавляет клиента со статусом, изменённым age назад.
func (db *fakeDB) addClient(id string, status lifecycle.Status, changedAt time.Time) model.Client {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := model.Client{
		ID:              id,
		Name:            "Client " + id,
		Slug:            id + "-abcde",
		Status:          status,
		StatusChangedAt: changedAt,
		CreatedAt:       changedAt,
		UpdatedAt:       changedAt,
	}
	db.clients[id] = c
	return c
}

// addPhoto добавляет фото клиента и его объект в store.
func (db *fakeDB) addPhoto(store *fakeStore, clientID, name string, data []byte) model.Photo {
	key := objectstore.FolderFor(testRoot, clientID) + "/" + name
	if store != nil {
		store.putObject(key, data, time.Now().Add(-48*time.Hour))
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	p := model.Photo{
		ID:        "photo-" + clientID + "-" + name,
		ClientID:  clientID,
		StorageID: key,
		URL:       "https://cdn.test/" + key,
		Filename:  name,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now(),
	}
	db.photos[p.ID] = p
	return p
}

func (db *fakeDB) client(id string) (model.Client, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.clients[id]
	return c, ok
}

func (db *fakeDB) photoCount(clientID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, p := range db.photos {
		if clientID == "" || p.ClientID == clientID {
			n++
		}
	}
	return n
}

type fakeClientRepo struct{ db *fakeDB }

func (r *fakeClientRepo) Create(_ context.Context, c *model.Client) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.clients {
		if existing.Slug == c.Slug {
			return repository.ErrConflict
		}
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	r.db.clients[c.ID] = *c
	return nil
}

func (r *fakeClientRepo) GetByID(_ context.Context, id string) (*model.Client, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.clients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *fakeClientRepo) GetBySlug(_ context.Context, slug string) (*model.Client, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range r.db.clients {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeClientRepo) matches(c model.Client, f repository.ClientListFilters) bool {
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.Search != nil && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(*f.Search)) {
		return false
	}
	return true
}

func (r *fakeClientRepo) List(_ context.Context, f repository.ClientListFilters, limit, offset int) ([]*model.ClientSummary, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var all []*model.ClientSummary
	for _, c := range r.db.clients {
		if !r.matches(c, f) {
			continue
		}
		s := &model.ClientSummary{Client: c}
		for _, p := range r.db.photos {
			if p.ClientID == c.ID {
				s.PhotoCount++
			}
		}
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}

func (r *fakeClientRepo) Count(_ context.Context, f repository.ClientListFilters) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	n := 0
	for _, c := range r.db.clients {
		if r.matches(c, f) {
			n++
		}
	}
	return n, nil
}

func (r *fakeClientRepo) Update(_ context.Context, c *model.Client) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	existing, ok := r.db.clients[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range r.db.clients {
		if other.ID != c.ID && other.Slug == c.Slug {
			return repository.ErrConflict
		}
	}
	c.Status, c.StatusChangedAt = existing.Status, existing.StatusChangedAt
	c.UpdatedAt = time.Now()
	r.db.clients[c.ID] = *c
	return nil
}

func (r *fakeClientRepo) TransitionStatus(_ context.Context, id string, from, to lifecycle.Status, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.clients[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status, c.StatusChangedAt = to, at
	r.db.clients[id] = c
	return true, nil
}

func (r *fakeClientRepo) MoveExpired(_ context.Context, from, to lifecycle.Status, cutoff, at time.Time) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []string
	for id, c := range r.db.clients {
		if c.Status == from && c.StatusChangedAt.Before(cutoff) {
			c.Status, c.StatusChangedAt = to, at
			r.db.clients[id] = c
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeClientRepo) ListExpired(_ context.Context, status lifecycle.Status, cutoff time.Time) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []string
	for id, c := range r.db.clients {
		if c.Status == status && c.StatusChangedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *fakeClientRepo) LockForPurge(_ context.Context, id string, cutoff *time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.clients[id]
	if !ok || c.Status != lifecycle.StatusDeleted {
		return false, nil
	}
	if cutoff != nil && !c.StatusChangedAt.Before(*cutoff) {
		return false, nil
	}
	return true, nil
}

func (r *fakeClientRepo) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.clients[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.clients, id)
	return nil
}

func (r *fakeClientRepo) Usage(context.Context) ([]model.ClientUsage, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.usageErr != nil {
		return nil, r.db.usageErr
	}
	var out []model.ClientUsage
	for _, c := range r.db.clients {
		u := model.ClientUsage{ClientID: c.ID, ClientName: c.Name, Status: c.Status}
		for _, p := range r.db.photos {
			if p.ClientID == c.ID {
				u.MediaCount++
				u.Bytes += p.SizeBytes
			}
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

type fakePhotoRepo struct{ db *fakeDB }

func (r *fakePhotoRepo) Create(_ context.Context, p *model.Photo) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.photoCreateErr != nil {
		return r.db.photoCreateErr
	}
	for _, existing := range r.db.photos {
		if existing.StorageID == p.StorageID {
			return repository.ErrConflict
		}
	}
	p.CreatedAt = time.Now()
	r.db.photos[p.ID] = *p
	return nil
}

func (r *fakePhotoRepo) GetByID(_ context.Context, id string) (*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.photos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *fakePhotoRepo) sorted(filter func(model.Photo) bool) []*model.Photo {
	var out []*model.Photo
	for _, p := range r.db.photos {
		if filter(p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakePhotoRepo) ListByClient(_ context.Context, clientID string) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.sorted(func(p model.Photo) bool { return p.ClientID == clientID }), nil
}

func (r *fakePhotoRepo) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.photos[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.photos, id)
	return nil
}

func (r *fakePhotoRepo) DeleteByClient(_ context.Context, clientID string) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var n int64
	for id, p := range r.db.photos {
		if p.ClientID == clientID {
			delete(r.db.photos, id)
			n++
		}
	}
	return n, nil
}

func (r *fakePhotoRepo) ListZeroSize(_ context.Context, afterID string, limit int) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := r.sorted(func(p model.Photo) bool { return p.SizeBytes == 0 && p.ID > afterID })
	return out[:min(limit, len(out))], nil
}

func (r *fakePhotoRepo) UpdateSize(_ context.Context, id string, size int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.photos[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.SizeBytes = size
	r.db.photos[id] = p
	return nil
}

func (r *fakePhotoRepo) ExistingStorageIDs(_ context.Context, ids []string) (map[string]bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]bool)
	for _, p := range r.db.photos {
		if want[p.StorageID] {
			out[p.StorageID] = true
		}
	}
	return out, nil
}

func (r *fakePhotoRepo) ListPage(_ context.Context, afterID string, limit int) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := r.sorted(func(p model.Photo) bool { return p.ID > afterID })
	return out[:min(limit, len(out))], nil
}
