package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestStore(t *testing.T, pageSize int) *SQLite {
	t.Helper()
	s, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "events.db"),
		PoolSize: 2,
		PageSize: pageSize,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertRaw 는 size 컬럼을 임의 값으로 넣는다. (캐시 불일치 재현용)
func insertRaw(t *testing.T, s *SQLite, payload []byte, size int64) int64 {
	t.Helper()
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO events (payload, size) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{payload, size},
	})
	if err != nil {
		t.Fatalf("insert raw: %v", err)
	}
	s.mu.Lock()
	s.totalValid = false
	s.mu.Unlock()
	return conn.LastInsertRowID()
}

func TestInsertAndTotalSize(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	payloads := []string{`{"a":1}`, `{"bb":22}`, `{"ccc":333}`}
	var want int64
	var lastID int64
	for _, p := range payloads {
		id, err := s.Insert(ctx, []byte(p))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if id <= lastID {
			t.Errorf("id %d not increasing after %d", id, lastID)
		}
		lastID = id
		want += int64(len(p))
	}

	total, err := s.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != want {
		t.Errorf("TotalSize = %d, want %d", total, want)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestInsertRejectsEmptyPayload(t *testing.T) {
	s := openTestStore(t, 0)
	if _, err := s.Insert(context.Background(), nil); err == nil {
		t.Fatal("Insert(nil) succeeded")
	}
}

func TestDeleteKeepsTotalConsistent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	id1, _ := s.Insert(ctx, []byte("0123456789"))
	id2, _ := s.Insert(ctx, []byte("01234"))

	if err := s.Delete(ctx, id1, 10); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	total, _ := s.TotalSize(ctx)
	if total != 5 {
		t.Errorf("TotalSize after delete = %d, want 5", total)
	}

	// size 를 모르는 삭제는 재계산 경로
	if err := s.Delete(ctx, id2, SizeUnknown); err != nil {
		t.Fatalf("Delete unknown size: %v", err)
	}
	total, _ = s.TotalSize(ctx)
	if total != 0 {
		t.Errorf("TotalSize after unknown-size delete = %d, want 0", total)
	}
}

func TestDeleteMissingRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	id, _ := s.Insert(ctx, []byte("payload"))
	if err := s.Delete(ctx, id, 7); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	err := s.Delete(ctx, id, 7)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}

	total, err := s.TotalSize(ctx)
	if err != nil {
		t.Fatalf("TotalSize: %v", err)
	}
	if total != 0 {
		t.Errorf("TotalSize = %d, want 0 (recomputed, not double-decremented)", total)
	}
}

func TestSizeMismatchRecomputesFromPayload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	id := insertRaw(t, s, []byte("twelve bytes"), 3)
	if _, err := s.Insert(ctx, []byte("abc")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows, err := s.Oldest(ctx, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Oldest: rows=%v err=%v", rows, err)
	}
	if rows[0].ID != id {
		t.Fatalf("Oldest id = %d, want %d", rows[0].ID, id)
	}
	if rows[0].CachedSize() != SizeUnknown {
		t.Errorf("CachedSize = %d, want SizeUnknown", rows[0].CachedSize())
	}

	total, _ := s.TotalSize(ctx)
	if total != 15 {
		t.Errorf("TotalSize = %d, want 15 (live payload lengths)", total)
	}

	if err := s.Delete(ctx, id, rows[0].CachedSize()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	total, _ = s.TotalSize(ctx)
	if total != 3 {
		t.Errorf("TotalSize after delete = %d, want 3", total)
	}
}

func TestScanInInsertionOrderAcrossPages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 2)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := s.Insert(ctx, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, id)
	}

	cur := s.Scan()
	var got []int64
	for {
		row, ok, err := cur.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if !ok {
			break
		}
		// Peek 은 전진하지 않는다
		again, _, _ := cur.Peek(ctx)
		if again.ID != row.ID {
			t.Fatalf("Peek advanced: %d then %d", row.ID, again.ID)
		}
		got = append(got, row.ID)
		cur.Advance()
	}

	if len(got) != len(ids) {
		t.Fatalf("scanned %d rows, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("row %d: id %d, want %d", i, got[i], ids[i])
		}
	}
}

func TestScanToleratesDeletesBehindCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 1)

	for i := 0; i < 3; i++ {
		s.Insert(ctx, []byte{byte('x' + i)})
	}

	cur := s.Scan()
	seen := 0
	for {
		row, ok, err := cur.Peek(ctx)
		if err != nil {
			t.Fatalf("Peek: %v", err)
		}
		if !ok {
			break
		}
		cur.Advance()
		if err := s.Delete(ctx, row.ID, row.CachedSize()); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		seen++
	}
	if seen != 3 {
		t.Errorf("seen %d rows, want 3", seen)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, 0)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Insert(ctx, []byte("0123456789")); err != nil {
					t.Errorf("Insert: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	total, _ := s.TotalSize(ctx)
	if total != writers*perWriter*10 {
		t.Errorf("TotalSize = %d, want %d", total, writers*perWriter*10)
	}
}
