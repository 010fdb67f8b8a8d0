package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(s store.Store, chunk int) *Processor {
	logger, _ := test.NewNullLogger()
	return New(s, Options{ChunkSize: chunk, Logger: logger, Now: func() time.Time { return fixedNow }})
}

func record(id, name string, ownerPID, ownerName string) model.RawFileRecord {
	rec := model.RawFileRecord{
		"id":           id,
		"name":         name,
		"mimeType":     "application/pdf",
		"size":         json.Number("2048"),
		"modifiedTime": "2026-02-28T10:00:00.000Z",
		"createdTime":  "2026-01-01T10:00:00.000Z",
		"shared":       false,
		"trashed":      false,
		"webViewLink":  "https://drive.google.com/file/d/" + id,
		"permissions":  []any{},
	}
	if ownerPID != "" {
		rec["owners"] = []any{map[string]any{
			"permissionId": ownerPID,
			"emailAddress": ownerPID + "@example.com",
			"displayName":  ownerName,
		}}
	}
	return rec
}

func TestProcess_MixedBatch(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)

	missingMime := record("f2", "Notes.txt", "", "")
	delete(missingMime, "mimeType")
	badSize := record("f3", "Budget.xlsx", "", "")
	badSize["size"] = "lots"

	res := p.Process(context.Background(), model.SyncJob{
		BatchID: "b1",
		Records: []model.RawFileRecord{record("f1", "Report.pdf", "p1", "Ana"), missingMime, badSize},
	})

	if res.Success != 1 || res.Failed != 2 {
		t.Fatalf("Expected {success:1, failed:2}, got {success:%d, failed:%d}", res.Success, res.Failed)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("Expected 2 item errors, got %d", len(res.Errors))
	}
	if res.UsersProcessed != 1 {
		t.Errorf("Expected 1 user processed, got %d", res.UsersProcessed)
	}
	if res.BatchID != "b1" {
		t.Errorf("Expected batch id b1, got %q", res.BatchID)
	}

	ok, err := s.GetFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetFile f1 failed: %v", err)
	}
	if ok.SyncStatus != model.SyncStatusSuccess || ok.OwnerUserID == nil {
		t.Errorf("Expected successful row with owner, got %+v", ok)
	}
	if ok.Size == nil || *ok.Size != "2048" {
		t.Errorf("Expected size 2048, got %v", ok.Size)
	}

	for _, id := range []string{"f2", "f3"} {
		f, err := s.GetFile(context.Background(), id)
		if err != nil {
			t.Fatalf("Expected degraded row for %s: %v", id, err)
		}
		if f.SyncStatus != model.SyncStatusError || f.ErrorLog == nil {
			t.Errorf("Expected error row for %s, got %+v", id, f)
			continue
		}
		if f.ErrorLog.Details == "" || !f.ErrorLog.Timestamp.Equal(fixedNow) {
			t.Errorf("Expected error details and timestamp for %s, got %+v", id, f.ErrorLog)
		}
		if f.Metadata["id"] != id {
			t.Errorf("Expected original payload in metadata for %s", id)
		}
	}
}

func TestProcess_SameOwnerTwice(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)

	res := p.Process(context.Background(), model.SyncJob{
		BatchID: "b1",
		Records: []model.RawFileRecord{
			record("f1", "One", "p1", "Ana"),
			record("f2", "Two", "p1", "Ana Maria"),
		},
	})
	if res.Success != 2 {
		t.Fatalf("Expected 2 successes, got %+v", res)
	}
	_, users, creates, updates := s.Counts()
	if users != 1 || creates != 1 || updates != 1 {
		t.Errorf("Expected one create then one update, got users=%d creates=%d updates=%d", users, creates, updates)
	}
	if res.UsersProcessed != 1 {
		t.Errorf("Expected 1 user processed, got %d", res.UsersProcessed)
	}

	f1, _ := s.GetFile(context.Background(), "f1")
	f2, _ := s.GetFile(context.Background(), "f2")
	if f1.OwnerUserID == nil || f2.OwnerUserID == nil || *f1.OwnerUserID != *f2.OwnerUserID {
		t.Errorf("Expected both files to share one owner")
	}
}

func TestProcess_IsIdempotent(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)
	job := model.SyncJob{BatchID: "b1", Records: []model.RawFileRecord{record("f1", "Report.pdf", "p1", "Ana")}}

	p.Process(context.Background(), job)
	first, _ := s.GetFile(context.Background(), "f1")
	p.Process(context.Background(), job)
	second, _ := s.GetFile(context.Background(), "f1")

	files, users, creates, updates := s.Counts()
	if files != 1 || users != 1 || creates != 1 || updates != 0 {
		t.Errorf("Expected no new rows on resync, got files=%d users=%d creates=%d updates=%d", files, users, creates, updates)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("Expected identical rows on resync:\n%s\n%s", a, b)
	}
}

func TestProcess_NoOwnerIsNotAnError(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)

	res := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{record("f1", "Shared.pdf", "", "")}})
	if res.Success != 1 || res.UsersProcessed != 0 {
		t.Fatalf("Unexpected result: %+v", res)
	}
	f, _ := s.GetFile(context.Background(), "f1")
	if f.OwnerUserID != nil {
		t.Errorf("Expected nil owner, got %v", *f.OwnerUserID)
	}
}

func TestProcess_UnidentifiedRecordGetsStableKey(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)
	rec := model.RawFileRecord{"name": "orphan", "mimeType": "text/plain"}

	r1 := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{rec}})
	r2 := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{rec}})

	if r1.Failed != 1 || r2.Failed != 1 {
		t.Fatalf("Expected id-less record to fail, got %+v / %+v", r1, r2)
	}
	key := r1.Errors[0].FileID
	if !strings.HasPrefix(key, "unidentified:") || key != r2.Errors[0].FileID {
		t.Errorf("Expected stable unidentified key, got %q and %q", key, r2.Errors[0].FileID)
	}
	if files, _, _, _ := s.Counts(); files != 1 {
		t.Errorf("Expected one degraded row, got %d", files)
	}
}

type panickyStore struct {
	*store.Memory
}

func (p panickyStore) UpsertFile(ctx context.Context, f *model.CanonicalFile) error {
	if f.ID == "boom" && f.SyncStatus == model.SyncStatusSuccess {
		panic("disk on fire")
	}
	return p.Memory.UpsertFile(ctx, f)
}

func TestProcess_PanicIsDegraded(t *testing.T) {
	mem := store.NewMemory()
	p := newTestProcessor(panickyStore{mem}, 0)

	res := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{
		record("boom", "a", "", ""),
		record("fine", "b", "", ""),
	}})
	if res.Success != 1 || res.Failed != 1 {
		t.Fatalf("Expected panic to fail one item only, got %+v", res)
	}
	f, err := mem.GetFile(context.Background(), "boom")
	if err != nil {
		t.Fatalf("Expected degraded row: %v", err)
	}
	if !strings.Contains(f.ErrorLog.Error, "disk on fire") || !strings.Contains(f.ErrorLog.Details, "goroutine") {
		t.Errorf("Expected panic message and stack, got %+v", f.ErrorLog)
	}
}

func TestProcess_DegradedRowUsesTrimmedID(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 0)

	rec := record(" f9 ", "Padded.txt", "", "")
	rec["size"] = "lots"
	res := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{rec}})
	if res.Failed != 1 || res.Errors[0].FileID != "f9" {
		t.Fatalf("Expected failure keyed f9, got %+v", res)
	}
	if _, err := s.GetFile(context.Background(), "f9"); err != nil {
		t.Errorf("Expected degraded row under trimmed id: %v", err)
	}
	if files, _, _, _ := s.Counts(); files != 1 {
		t.Errorf("Expected one row, got %d", files)
	}
}

type failingStore struct {
	*store.Memory
}

func (f failingStore) UpsertFile(ctx context.Context, file *model.CanonicalFile) error {
	if file.SyncStatus == model.SyncStatusSuccess {
		return errors.New("throughput exceeded")
	}
	return f.Memory.UpsertFile(ctx, file)
}

func TestProcess_StoreErrorDetails(t *testing.T) {
	mem := store.NewMemory()
	p := newTestProcessor(failingStore{mem}, 0)

	res := p.Process(context.Background(), model.SyncJob{Records: []model.RawFileRecord{record("f1", "a", "", "")}})
	if res.Failed != 1 {
		t.Fatalf("Expected one failure, got %+v", res)
	}
	f, err := mem.GetFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("Expected degraded row: %v", err)
	}
	want := "upsert file f1: throughput exceeded\nthroughput exceeded"
	if f.ErrorLog.Details != want {
		t.Errorf("Expected error chain %q, got %q", want, f.ErrorLog.Details)
	}
}

func TestProcess_Chunking(t *testing.T) {
	s := store.NewMemory()
	p := newTestProcessor(s, 2)

	var recs []model.RawFileRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, record(fmt.Sprintf("f%d", i), "n", "", ""))
	}
	res := p.Process(context.Background(), model.SyncJob{Records: recs})
	if res.Success != 5 {
		t.Errorf("Expected 5 successes across chunks, got %+v", res)
	}
	if files, _, _, _ := s.Counts(); files != 5 {
		t.Errorf("Expected 5 rows, got %d", files)
	}
}

func TestProcess_EmptyJob(t *testing.T) {
	p := newTestProcessor(store.NewMemory(), 0)
	res := p.Process(context.Background(), model.SyncJob{BatchID: "empty"})
	if res.Success != 0 || res.Failed != 0 || res.Errors == nil {
		t.Errorf("Unexpected result for empty job: %+v", res)
	}
}
