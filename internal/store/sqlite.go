// internal/store/sqlite.go
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound 는 삭제 대상 row 가 이미 없을 때 반환된다.
// 호출자(eviction loop, 사이클 삭제)는 이 에러를 로그만 남기고 계속 진행한다.
var ErrNotFound = errors.New("store: row not found")

// SizeUnknown 은 캐시된 size 를 믿을 수 없을 때 쓰는 표식.
// 이 값으로 삭제하면 total size 캐시는 차감 대신 다음 조회 때 재계산된다.
const SizeUnknown int64 = -1

// Row 는 버퍼 테이블의 한 행.
// ID 는 AUTOINCREMENT 이므로 삽입 순서와 같은 방향으로만 증가한다.
type Row struct {
	ID      int64
	Payload []byte
	Size    int64 // 삽입 시 캐시된 payload 길이
}

// CachedSize 는 캐시 size 가 실제 payload 길이와 같을 때만 그 값을,
// 다르면 SizeUnknown 을 돌려준다.
func (r Row) CachedSize() int64 {
	if r.Size < 0 || r.Size != int64(len(r.Payload)) {
		return SizeUnknown
	}
	return r.Size
}

// Cursor 는 삽입 순서대로 전진만 하는 row 반복자.
// Peek 은 현재 row 를 읽기만 하고, Advance 를 호출해야 다음 row 로 넘어간다.
// 배치 경계에서 넘치는 row 를 "읽지 않은 상태" 로 남기기 위한 형태.
type Cursor interface {
	Peek(ctx context.Context) (Row, bool, error)
	Advance()
}

// Config 는 SQLite 버퍼를 여는 데 필요한 값.
type Config struct {
	Path     string // ":memory:" 는 PoolSize 1 에서만 의미가 있다
	PoolSize int
	PageSize int // 커서가 한 번에 읽어오는 row 수
}

// SQLite
// ------------------------------------------------------------
// 이벤트 버퍼 테이블. record() 경로와 백그라운드 사이클이 공유하는
// 유일한 가변 자원이다.
//
// pending total size 는 메모리에 캐시하며 다음 경우 무효화된다.
//   - size 를 모르는 row 삭제 (SizeUnknown)
//   - 이미 없는 row 삭제 시도
//   - 삭제 쿼리 실패
//
// 무효화된 캐시는 다음 TotalSize 호출에서 SUM(length(payload)) 로 재계산된다.
type SQLite struct {
	pool     *sqlitex.Pool
	path     string
	pageSize int

	// mu 는 total 캐시와 그 캐시를 바꾸는 쓰기 쿼리를 함께 보호한다.
	// 락을 먼저 잡고 커넥션을 빌린다. (순서 고정)
	mu         sync.Mutex
	total      int64
	totalValid bool
}

// Open 은 DB 파일(없으면 생성)을 열고 total size 를 초기 계산한다.
func Open(cfg Config) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	pool, err := openPool(cfg.Path, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 32
	}

	s := &SQLite{pool: pool, path: cfg.Path, pageSize: pageSize}
	if _, err := s.TotalSize(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Str("path", cfg.Path).Int64("pending_bytes", s.total).Msg("event store opened")
	return s, nil
}

// Close 는 빌려간 커넥션이 모두 반환될 때까지 기다린 뒤 풀을 닫는다.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	return nil
}

// Insert 는 직렬화된 이벤트 1건을 저장하고 row id 를 반환한다.
func (s *SQLite) Insert(ctx context.Context, payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("store: empty payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: insert: %w", err)
	}
	defer s.pool.Put(conn)

	size := int64(len(payload))
	err = sqlitex.Execute(conn, "INSERT INTO events (payload, size) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{payload, size},
	})
	if err != nil {
		return 0, fmt.Errorf("store: insert: %w", err)
	}

	if s.totalValid {
		s.total += size
	}
	return conn.LastInsertRowID(), nil
}

// TotalSize 는 버퍼에 남은 payload 바이트 합계.
func (s *SQLite) TotalSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalValid {
		return s.total, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: total size: %w", err)
	}
	defer s.pool.Put(conn)

	var total int64
	err = sqlitex.Execute(conn, "SELECT COALESCE(SUM(length(payload)), 0) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: total size: %w", err)
	}

	s.total, s.totalValid = total, true
	return total, nil
}

// Count 는 버퍼에 남은 row 수.
func (s *SQLite) Count(ctx context.Context) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM events", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// Delete 는 row 1건을 지운다.
// expectedSize 가 SizeUnknown 이면 total 캐시를 무효화한다.
// 이미 없는 row 는 ErrNotFound (캐시도 무효화).
func (s *SQLite) Delete(ctx context.Context, id, expectedSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: delete %d: %w", id, err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "DELETE FROM events WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
	})
	if err != nil {
		s.totalValid = false
		return fmt.Errorf("store: delete %d: %w", id, err)
	}

	if conn.Changes() == 0 {
		s.totalValid = false
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}

	switch {
	case expectedSize < 0:
		s.totalValid = false
	case s.totalValid:
		s.total -= expectedSize
		if s.total < 0 {
			s.totalValid = false
		}
	}
	return nil
}

// Oldest 는 가장 오래된 n 개 row 를 반환한다. (eviction 용)
func (s *SQLite) Oldest(ctx context.Context, n int) ([]Row, error) {
	return s.page(ctx, 0, n)
}

// Scan 은 버퍼 전체를 삽입 순서대로 훑는 커서를 만든다.
// 커서는 pageSize 단위로 keyset 조회를 하므로 커넥션을 오래 붙잡지 않고,
// 순회 도중의 삭제/삽입과도 충돌하지 않는다.
func (s *SQLite) Scan() Cursor {
	return &rowCursor{s: s}
}

func (s *SQLite) page(ctx context.Context, afterID int64, limit int) ([]Row, error) {
	if limit <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: page: %w", err)
	}
	defer s.pool.Put(conn)

	rows := make([]Row, 0, limit)
	err = sqlitex.Execute(conn,
		"SELECT id, payload, size FROM events WHERE id > ? ORDER BY id LIMIT ?",
		&sqlitex.ExecOptions{
			Args: []any{afterID, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				payload := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, payload)
				size := SizeUnknown
				if !stmt.ColumnIsNull(2) {
					size = stmt.ColumnInt64(2)
				}
				rows = append(rows, Row{
					ID:      stmt.ColumnInt64(0),
					Payload: payload,
					Size:    size,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: page after %d: %w", afterID, err)
	}
	return rows, nil
}

// rowCursor 는 마지막으로 Advance 한 row id 이후만 조회한다.
type rowCursor struct {
	s     *SQLite
	after int64
	rows  []Row
	pos   int
	done  bool
}

func (c *rowCursor) Peek(ctx context.Context) (Row, bool, error) {
	if c.pos < len(c.rows) {
		return c.rows[c.pos], true, nil
	}
	if c.done {
		return Row{}, false, nil
	}

	rows, err := c.s.page(ctx, c.after, c.s.pageSize)
	if err != nil {
		return Row{}, false, err
	}
	c.rows, c.pos = rows, 0
	if len(rows) == 0 {
		c.done = true
		return Row{}, false, nil
	}
	return rows[0], true, nil
}

func (c *rowCursor) Advance() {
	if c.pos < len(c.rows) {
		c.after = c.rows[c.pos].ID
		c.pos++
	}
}
