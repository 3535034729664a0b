// internal/store/pool.go
package store

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// 모든 커넥션에 적용하는 pragma.
//   - WAL: 백그라운드 사이클의 읽기와 record() 의 쓰기가 서로 막지 않는다
//   - synchronous=NORMAL: 프로세스 크래시에는 안전, fsync 는 checkpoint 에서만
//   - busy_timeout: 여러 goroutine 의 동시 record() 는 SQLite 쓰기 락으로 직렬화
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	payload BLOB    NOT NULL,
	size    INTEGER NOT NULL
);
`

// openPool 은 커넥션 풀을 만들고, 각 커넥션 최초 사용 시
// pragma 와 스키마를 적용한다.
func openPool(path string, size int) (*sqlitex.Pool, error) {
	if size <= 0 {
		size = 4
	}
	return sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, p := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
					return fmt.Errorf("store: %s: %w", p, err)
				}
			}
			if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
				return fmt.Errorf("store: schema: %w", err)
			}
			return nil
		},
	})
}
