package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedimirror/internal/model"
)

// PostgresChangeRequestRepo はPostgreSQLを使用したモデレーション提案リポジトリ。
type PostgresChangeRequestRepo struct {
	db *sql.DB
}

// NewPostgresChangeRequestRepo はPostgresChangeRequestRepoを生成する。
func NewPostgresChangeRequestRepo(db *sql.DB) *PostgresChangeRequestRepo {
	return &PostgresChangeRequestRepo{db: db}
}

func scanChangeRequest(row interface{ Scan(dest ...any) error }) (*model.ChangeRequest, error) {
	req := &model.ChangeRequest{}
	var kind, status string
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.Requester, &kind, &req.Payload, &status, &req.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	req.Kind = model.RequestKind(kind)
	req.Status = model.RequestStatus(status)
	req.ResolvedAt = nullTimeValue(resolvedAt)
	return req, nil
}

// Create は提案をrequested状態で作成する。
func (r *PostgresChangeRequestRepo) Create(ctx context.Context, request *model.ChangeRequest) error {
	if request.ID == "" {
		request.ID = uuid.New().String()
	}
	if request.Status == "" {
		request.Status = model.RequestStatusRequested
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO change_requests (id, requester, kind, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		request.ID, request.Requester, string(request.Kind), []byte(request.Payload), string(request.Status),
	)
	if err != nil {
		return fmt.Errorf("モデレーション提案の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの提案を取得する。見つからない場合はnilを返す。
func (r *PostgresChangeRequestRepo) FindByID(ctx context.Context, id string) (*model.ChangeRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, requester, kind, payload, status, created_at, resolved_at
		 FROM change_requests WHERE id = $1`, id)

	req, err := scanChangeRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("モデレーション提案の取得に失敗しました: %w", err)
	}
	return req, nil
}

// ListByStatus は指定状態の提案を古い順に返す。
func (r *PostgresChangeRequestRepo) ListByStatus(ctx context.Context, status model.RequestStatus) ([]*model.ChangeRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, requester, kind, payload, status, created_at, resolved_at
		 FROM change_requests WHERE status = $1
		 ORDER BY created_at ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("モデレーション提案一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var requests []*model.ChangeRequest
	for rows.Next() {
		req, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("モデレーション提案の読み取りに失敗しました: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("モデレーション提案の走査に失敗しました: %w", err)
	}

	return requests, nil
}

// Resolve は提案を終端状態（accepted/rejected）に遷移させる。
func (r *PostgresChangeRequestRepo) Resolve(ctx context.Context, id string, status model.RequestStatus, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE change_requests SET status = $2, resolved_at = $3
		 WHERE id = $1 AND status = 'requested'`,
		id, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("モデレーション提案の解決に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("提案が存在しないか既に解決済みです: id=%s", id)
	}
	return nil
}

// compile-time interface check
var _ ChangeRequestRepository = (*PostgresChangeRequestRepo)(nil)
