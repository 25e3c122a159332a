package order

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "AgentLease-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 持久化订单与事件日志，进程重启后状态不丢失。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述订单库的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const ordersSchema = `CREATE TABLE IF NOT EXISTS payment_orders (
        id VARCHAR(64) PRIMARY KEY,
        facilitator_order_id VARCHAR(128) DEFAULT '',
        asset_id BIGINT UNSIGNED NOT NULL,
        agent_name VARCHAR(255) DEFAULT '',
        payer VARCHAR(64) NOT NULL,
        duration_hours BIGINT NOT NULL,
        subtotal_wei VARCHAR(80) NOT NULL,
        platform_fee_wei VARCHAR(80) NOT NULL,
        total_wei VARCHAR(80) NOT NULL,
        usd_estimate VARCHAR(32) DEFAULT '',
        status VARCHAR(32) NOT NULL,
        metadata TEXT,
        version BIGINT UNSIGNED NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_order_status (status),
        INDEX idx_order_payer (payer),
        INDEX idx_order_asset (asset_id),
        INDEX idx_order_updated (updated_at)
)`

	const eventsSchema = `CREATE TABLE IF NOT EXISTS payment_order_events (
        seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
        id VARCHAR(64) NOT NULL,
        order_id VARCHAR(64) NOT NULL,
        event_type VARCHAR(40) NOT NULL,
        payload TEXT,
        created_at BIGINT NOT NULL,
        UNIQUE KEY uniq_event_id (id),
        INDEX idx_event_order (order_id, seq)
)`

	if _, err := s.db.Exec(ordersSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_orders 表失败")
	}
	if _, err := s.db.Exec(eventsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 payment_order_events 表失败")
	}
	return nil
}

// Create 插入新的订单记录。
func (s *MySQLStore) Create(ctx context.Context, order *Order) error {
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(order.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}

	now := time.Now().Unix()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Version = 0

	metadataValue, err := marshalMetadata(order.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码订单 metadata 失败")
	}

	const stmt = `INSERT INTO payment_orders
        (id, facilitator_order_id, asset_id, agent_name, payer, duration_hours,
         subtotal_wei, platform_fee_wei, total_wei, usd_estimate, status, metadata, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		order.ID,
		order.FacilitatorOrderID,
		order.AssetID,
		order.AgentName,
		payerColumn(order.Payer),
		order.DurationHours,
		order.SubtotalWei,
		order.PlatformFeeWei,
		order.TotalWei,
		order.USDEstimate,
		order.Status,
		metadataValue,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrOrderConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

const orderColumns = `id, facilitator_order_id, asset_id, agent_name, payer, duration_hours,
        subtotal_wei, platform_fee_wei, total_wei, usd_estimate, status, metadata, version, created_at, updated_at`

// Get 查询指定订单并加载其全部事件。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	result, err := scanOrder(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}

	events, err := s.loadEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	result.Events = events
	return result, nil
}

// Update 以乐观版本号整体替换订单记录；版本不匹配返回 ErrOrderStale。
func (s *MySQLStore) Update(ctx context.Context, order *Order) (*Order, error) {
	if order == nil || strings.TrimSpace(order.ID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}

	metadataValue, err := marshalMetadata(order.Metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码订单 metadata 失败")
	}

	const stmt = `UPDATE payment_orders SET
        facilitator_order_id = ?, agent_name = ?, duration_hours = ?,
        subtotal_wei = ?, platform_fee_wei = ?, total_wei = ?, usd_estimate = ?,
        status = ?, metadata = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		order.FacilitatorOrderID,
		order.AgentName,
		order.DurationHours,
		order.SubtotalWei,
		order.PlatformFeeWei,
		order.TotalWei,
		order.USDEstimate,
		order.Status,
		metadataValue,
		now,
		order.ID,
		order.Version,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新订单失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, order.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrOrderStale
	}
	return s.Get(ctx, order.ID)
}

// AppendEvent 为订单追加一条事件并刷新 updated_at。
func (s *MySQLStore) AppendEvent(ctx context.Context, orderID string, eventType EventType, payload map[string]any) (*Event, error) {
	payloadValue, err := marshalMetadata(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件 payload 失败")
	}

	event := &Event{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   cloneMetadata(payload),
		CreatedAt: time.Now().Unix(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE payment_orders SET updated_at = ? WHERE id = ?`, event.CreatedAt, orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新订单时间失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// updated_at 可能恰好相同，再确认订单是否存在。
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM payment_orders WHERE id = ?`, orderID).Scan(&exists); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return nil, ErrOrderNotFound
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认订单存在失败")
		}
	}

	const insertStmt = `INSERT INTO payment_order_events (id, order_id, event_type, payload, created_at)
        VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertStmt, event.ID, event.OrderID, event.Type, payloadValue, event.CreatedAt); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单事件失败")
	}

	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交订单事件失败")
	}
	return cloneEvent(event), nil
}

// List 返回符合过滤条件的订单，不带事件日志。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Order, error) {
	opts.applyDefaults()

	query := `SELECT ` + orderColumns + ` FROM payment_orders`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	direction := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += direction + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, opts.Limit)
	for rows.Next() {
		result, err := scanOrder(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单记录失败")
		}
		orders = append(orders, result)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) loadEvents(ctx context.Context, orderID string) ([]*Event, error) {
	const stmt = `SELECT id, order_id, event_type, payload, created_at
        FROM payment_order_events WHERE order_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, stmt, orderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单事件失败")
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var payload sql.NullString
		if err := rows.Scan(&event.ID, &event.OrderID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单事件失败")
		}
		decoded, err := unmarshalMetadata(payload)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件 payload 失败")
		}
		event.Payload = decoded
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单事件失败")
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var result Order
	var payer string
	var metadata sql.NullString

	if err := row.Scan(
		&result.ID,
		&result.FacilitatorOrderID,
		&result.AssetID,
		&result.AgentName,
		&payer,
		&result.DurationHours,
		&result.SubtotalWei,
		&result.PlatformFeeWei,
		&result.TotalWei,
		&result.USDEstimate,
		&result.Status,
		&metadata,
		&result.Version,
		&result.CreatedAt,
		&result.UpdatedAt,
	); err != nil {
		return nil, err
	}
	result.Payer = common.HexToAddress(payer)

	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	result.Metadata = decoded
	return &result, nil
}

// payerColumn 统一小写存储，保证地址匹配与大小写无关。
func payerColumn(payer common.Address) string {
	return strings.ToLower(payer.Hex())
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 6)

	if opts.Payer != nil {
		conditions = append(conditions, "payer = ?")
		args = append(args, payerColumn(*opts.Payer))
	}
	if opts.AssetID != nil {
		conditions = append(conditions, "asset_id = ?")
		args = append(args, *opts.AssetID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
