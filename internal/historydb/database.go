package historydb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"TanZhen/internal/model"
	"TanZhen/internal/utils"

	_ "github.com/mattn/go-sqlite3"
)

type HistoryDatabase struct {
	db     *sql.DB
	path   string
	logger *utils.Logger
}

func NewHistoryDatabase(dbPath string) (*HistoryDatabase, error) {
	logger := utils.NewLogger("historydb")

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	hdb := &HistoryDatabase{
		db:     db,
		path:   dbPath,
		logger: logger,
	}

	// 初始化表
	if err := hdb.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据表失败: %w", err)
	}

	return hdb, nil
}

func (hd *HistoryDatabase) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scan_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL,
		resolved_address TEXT,
		port_count INTEGER,
		concurrency INTEGER,
		timeout_ms INTEGER,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		interrupted INTEGER DEFAULT 0,
		open_count INTEGER,
		closed_count INTEGER,
		filtered_count INTEGER,
		error_count INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS port_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		port INTEGER NOT NULL,
		protocol TEXT,
		state TEXT NOT NULL,
		detail TEXT,
		service TEXT,
		version TEXT,
		banner TEXT,
		latency_ms INTEGER,
		FOREIGN KEY (session_id) REFERENCES scan_sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_results_session ON port_results(session_id, port);
	CREATE INDEX IF NOT EXISTS idx_sessions_target ON scan_sessions(target);
	`

	_, err := hd.db.Exec(schema)
	return err
}

// SaveSession 保存一次扫描会话及其全部端口结果，返回会话ID
func (hd *HistoryDatabase) SaveSession(session *model.ScanSession) (int64, error) {
	tx, err := hd.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO scan_sessions
		(target, resolved_address, port_count, concurrency, timeout_ms, started_at, finished_at,
		 interrupted, open_count, closed_count, filtered_count, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.Target.Raw, session.Target.ResolvedAddress, len(session.Ports),
		session.ConcurrencyLimit, session.Timeout.Milliseconds(),
		session.StartedAt, session.FinishedAt, session.Interrupted,
		session.Counts.Open, session.Counts.Closed, session.Counts.Filtered, session.Counts.Error,
	)
	if err != nil {
		return 0, err
	}

	sessionID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO port_results
		(session_id, port, protocol, state, detail, service, version, banner, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	// 插入端口结果
	for _, r := range session.Results {
		_, err = stmt.Exec(
			sessionID, r.Port, r.Protocol, string(r.State), r.Detail,
			r.Service, r.Version, r.Banner, r.Latency.Milliseconds(),
		)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	hd.logger.Debug("保存扫描记录 #%d: %s (%d 个端口结果)", sessionID, session.Target.Raw, len(session.Results))
	return sessionID, nil
}

// GetSessionCount 获取扫描记录总数
func (hd *HistoryDatabase) GetSessionCount() (int, error) {
	var count int
	err := hd.db.QueryRow("SELECT COUNT(*) FROM scan_sessions").Scan(&count)
	return count, err
}

func (hd *HistoryDatabase) Close() error {
	return hd.db.Close()
}
