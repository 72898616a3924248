package handlers

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/domain/model"
	"github.com/BlacIP/photolibrary/internal/repository"
)

// memDB — репозитории в памяти для тестов обработчиков.
type memDB struct {
	mu      sync.Mutex
	clients map[string]model.Client
	photos  map[string]model.Photo
}

func newMemDB() *memDB {
	return &memDB{clients: make(map[string]model.Client), photos: make(map[string]model.Photo)}
}

func (db *memDB) Clients() repository.ClientRepository { return &memClients{db: db} }
func (db *memDB) Photos() repository.PhotoRepository  { return &memPhotos{db: db} }

func (db *memDB) WithinTx(_ context.Context, fn func(repository.Repos) error) error {
	return fn(repository.Repos{Clients: db.Clients(), Photos: db.Photos()})
}

func (db *memDB) addClient(id, slug string, status lifecycle.Status) {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UTC()
	db.clients[id] = model.Client{
		ID: id, Name: "Client " + id, Slug: slug, Status: status,
		StatusChangedAt: now, CreatedAt: now, UpdatedAt: now,
	}
}

func (db *memDB) photoCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.photos)
}

type memClients struct{ db *memDB }

func (r *memClients) Create(_ context.Context, c *model.Client) error {
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

func (r *memClients) GetByID(_ context.Context, id string) (*model.Client, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.clients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (r *memClients) GetBySlug(_ context.Context, slug string) (*model.Client, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range r.db.clients {
		if c.Slug == slug {
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memClients) filtered(f repository.ClientListFilters) []model.Client {
	var out []model.Client
	for _, c := range r.db.clients {
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		if f.Search != nil && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(*f.Search)) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memClients) List(_ context.Context, f repository.ClientListFilters, limit, offset int) ([]*model.ClientSummary, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	all := r.filtered(f)
	if offset >= len(all) {
		return nil, nil
	}
	var out []*model.ClientSummary
	for _, c := range all[offset:min(offset+limit, len(all))] {
		s := &model.ClientSummary{Client: c}
		for _, p := range r.db.photos {
			if p.ClientID == c.ID {
				s.PhotoCount++
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *memClients) Count(_ context.Context, f repository.ClientListFilters) (int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return len(r.filtered(f)), nil
}

func (r *memClients) Update(_ context.Context, c *model.Client) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	existing, ok := r.db.clients[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	c.Status, c.StatusChangedAt, c.UpdatedAt = existing.Status, existing.StatusChangedAt, time.Now()
	r.db.clients[c.ID] = *c
	return nil
}

func (r *memClients) TransitionStatus(_ context.Context, id string, from, to lifecycle.Status, at time.Time) (bool, error) {
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

func (r *memClients) MoveExpired(_ context.Context, from, to lifecycle.Status, cutoff, at time.Time) ([]string, error) {
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
	return ids, nil
}

func (r *memClients) ListExpired(_ context.Context, status lifecycle.Status, cutoff time.Time) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var ids []string
	for id, c := range r.db.clients {
		if c.Status == status && c.StatusChangedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memClients) LockForPurge(_ context.Context, id string, cutoff *time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.clients[id]
	if !ok || c.Status != lifecycle.StatusDeleted {
		return false, nil
	}
	return cutoff == nil || c.StatusChangedAt.Before(*cutoff), nil
}

func (r *memClients) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.clients, id)
	return nil
}

func (r *memClients) Usage(context.Context) ([]model.ClientUsage, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
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
	return out, nil
}

type memPhotos struct{ db *memDB }

func (r *memPhotos) Create(_ context.Context, p *model.Photo) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.photos {
		if existing.StorageID == p.StorageID {
			return repository.ErrConflict
		}
	}
	p.CreatedAt = time.Now()
	r.db.photos[p.ID] = *p
	return nil
}

func (r *memPhotos) GetByID(_ context.Context, id string) (*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	p, ok := r.db.photos[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *memPhotos) sorted(keep func(model.Photo) bool) []*model.Photo {
	var out []*model.Photo
	for _, p := range r.db.photos {
		if keep(p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memPhotos) ListByClient(_ context.Context, clientID string) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.sorted(func(p model.Photo) bool { return p.ClientID == clientID }), nil
}

func (r *memPhotos) Delete(_ context.Context, id string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.photos[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.db.photos, id)
	return nil
}

func (r *memPhotos) DeleteByClient(_ context.Context, clientID string) (int64, error) {
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

func (r *memPhotos) ListZeroSize(_ context.Context, afterID string, limit int) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := r.sorted(func(p model.Photo) bool { return p.SizeBytes == 0 && p.ID > afterID })
	return out[:min(limit, len(out))], nil
}

func (r *memPhotos) UpdateSize(_ context.Context, id string, size int64) error {
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

func (r *memPhotos) ExistingStorageIDs(_ context.Context, ids []string) (map[string]bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		for _, p := range r.db.photos {
			if p.StorageID == id {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (r *memPhotos) ListPage(_ context.Context, afterID string, limit int) ([]*model.Photo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	out := r.sorted(func(p model.Photo) bool { return p.ID > afterID })
	return out[:min(limit, len(out))], nil
}
