package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BlacIP/photolibrary/internal/domain/lifecycle"
	"github.com/BlacIP/photolibrary/internal/objectstore"
)

func setupReconcile(t *testing.T, deleteOrphans bool) (*ReconcileService, *fakeStore, *fakeDB) {
	t.Helper()
	store := newFakeStore()
	db := newFakeDB()
	db.addClient("c1", lifecycle.StatusActive, time.Now())
	rs := NewReconcileService(ReconcileConfig{
		Root:          testRoot,
		Interval:      time.Hour,
		Grace:         time.Hour,
		DeleteOrphans: deleteOrphans,
	}, store, db.Photos(), testLogger())
	return rs, store, db
}

func TestReconcile_Consistent(t *testing.T) {
	rs, store, db := setupReconcile(t, false)
	db.addPhoto(store, "c1", "a.jpg", []byte("a"))
	db.addPhoto(store, "c1", "b.jpg", []byte("b"))

	report, skipped, err := rs.RunOnce(context.Background())
	if err != nil || skipped {
		t.Fatalf("RunOnce() = %v, %v", skipped, err)
	}
	if len(report.Issues) != 0 || report.Err() != nil {
		t.Errorf("найдены расхождения: %+v", report.Issues)
	}
	if report.BlobsChecked != 2 || report.PhotosChecked != 2 {
		t.Errorf("проверено объектов/записей: %d/%d, ожидается 2/2", report.BlobsChecked, report.PhotosChecked)
	}
}

func TestReconcile_FindsDrift(t *testing.T) {
	rs, store, db := setupReconcile(t, false)
	folder := objectstore.FolderFor(testRoot, "c1")

	db.addPhoto(store, "c1", "ok.jpg", []byte("ok"))
	missing := db.addPhoto(nil, "c1", "missing.jpg", []byte("m"))
	store.putObject(folder+"/orphan.jpg", []byte("o"), time.Now().Add(-2*time.Hour))
	// Свежий объект может принадлежать идущей загрузке
	store.putObject(folder+"/uploading.jpg", []byte("u"), time.Now())
	// У шапок нет записей
	store.putObject(testRoot+"/headers/banner.jpg", []byte("h"), time.Now().Add(-48*time.Hour))

	report, _, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if !errors.Is(report.Err(), ErrInconsistentState) {
		t.Error("Err() должен вернуть ErrInconsistentState")
	}
	if report.Orphaned != 1 || report.Missing != 1 {
		t.Fatalf("orphaned/missing = %d/%d, ожидается 1/1: %+v", report.Orphaned, report.Missing, report.Issues)
	}

	for _, issue := range report.Issues {
		switch issue.Type {
		case IssueOrphanedBlob:
			if issue.StorageID != folder+"/orphan.jpg" || issue.ClientID != "c1" {
				t.Errorf("orphaned_blob = %+v", issue)
			}
			if issue.Deleted {
				t.Error("объект удалён при выключенном DeleteOrphans")
			}
		case IssueMissingBlob:
			if issue.PhotoID != missing.ID {
				t.Errorf("missing_blob = %+v, ожидается фото %s", issue, missing.ID)
			}
		}
	}
	if !store.has(folder + "/orphan.jpg") {
		t.Error("объект-сирота удалён без DeleteOrphans")
	}
}

func TestReconcile_DeleteOrphans(t *testing.T) {
	rs, store, _ := setupReconcile(t, true)
	key := objectstore.FolderFor(testRoot, "c1") + "/orphan.jpg"
	store.putObject(key, []byte("o"), time.Now().Add(-2*time.Hour))

	report, _, err := rs.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() ошибка: %v", err)
	}
	if report.Deleted != 1 || !report.Issues[0].Deleted {
		t.Errorf("Deleted = %d, issues = %+v", report.Deleted, report.Issues)
	}
	if store.has(key) {
		t.Error("объект-сирота не удалён")
	}
}

func TestReconcile_SkipWhenInProgress(t *testing.T) {
	rs, _, _ := setupReconcile(t, false)
	rs.inProcess = true

	report, skipped, err := rs.RunOnce(context.Background())
	if !skipped || report != nil || err != nil {
		t.Errorf("RunOnce() = %v, %v, %v; ожидается пропуск", report, skipped, err)
	}
}

func TestClientFromKey(t *testing.T) {
	if got := clientFromKey("photolibrary", "photolibrary/c1/a.jpg"); got != "c1" {
		t.Errorf("clientFromKey = %q, ожидается c1", got)
	}
	if got := clientFromKey("photolibrary", "photolibrary/a.jpg"); got != "" {
		t.Errorf("clientFromKey = %q, ожидается пустая строка", got)
	}
}

func TestReconcile_PrivilegedOnly(t *testing.T) {
	rs, _, _ := setupReconcile(t, false)
	if _, _, err := rs.Reconcile(context.Background(), adminWith("manage_photos")); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("ожидается ErrPermissionDenied, получено %v", err)
	}
	if _, skipped, err := rs.Reconcile(context.Background(), superAdmin()); err != nil || skipped {
		t.Errorf("Reconcile() = %v, %v", skipped, err)
	}
}

func TestReconcile_StopWaitsForRun(t *testing.T) {
	store := newFakeStore()
	db := newFakeDB()
	rs := NewReconcileService(ReconcileConfig{
		Root:     testRoot,
		Interval: 5 * time.Millisecond,
		Grace:    time.Hour,
	}, store, db.Photos(), testLogger())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.listHook = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	rs.Start(context.Background())
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("сверка не началась")
	}

	stopped := make(chan struct{})
	go func() {
		rs.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop() вернулся до завершения прохода сверки")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() не вернулся после завершения прохода")
	}
	if rs.IsInProgress() {
		t.Error("IsInProgress() = true после Stop()")
	}
}
