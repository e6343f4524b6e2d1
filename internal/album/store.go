package album

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/photoapp/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrAlbumNotFound は指定されたアルバムが存在しないことを表す。
var ErrAlbumNotFound = errors.New("album not found")

// Album は利用者が所有するアルバム。
type Album struct {
	// ID はアルバムの一意識別子。保存前は0。
	ID int64
	// UserID は所有者のユーザーID。
	UserID int64
	// Name はアルバム名。
	Name string
	// Description はアルバムの説明。
	Description string
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// AlbumRepository はアルバムの永続化を担う。
type AlbumRepository interface {
	Save(ctx context.Context, a Album) (Album, error)
	FindByID(ctx context.Context, id int64) (Album, error)
	FindAllByUserID(ctx context.Context, userID int64) ([]Album, error)
	FindAll(ctx context.Context) ([]Album, error)
	Delete(ctx context.Context, id int64) error
}

// Store はSQLiteによるAlbumRepositoryの実装。
type Store struct {
	db *sql.DB
}

var _ AlbumRepository = (*Store)(nil)

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
func OpenStore(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewStore(ctx, db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore は既存の接続にマイグレーションを適用したStoreを返す。
func NewStore(ctx context.Context, db *sql.DB, log *zap.Logger) (*Store, error) {
	if err := migration.Run(ctx, db, migrations, "migrations", log); err != nil {
		return nil, fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Save はIDが0なら新規作成し、それ以外なら名前と説明を更新する。
func (s *Store) Save(ctx context.Context, a Album) (Album, error) {
	if a.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO albums (user_id, name, description) VALUES (?, ?, ?)`,
			a.UserID, a.Name, a.Description,
		)
		if err != nil {
			return Album{}, fmt.Errorf("アルバムの作成に失敗: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return Album{}, fmt.Errorf("採番されたIDの取得に失敗: %w", err)
		}
		return s.FindByID(ctx, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE albums SET name = ?, description = ? WHERE id = ?`,
		a.Name, a.Description, a.ID,
	)
	if err != nil {
		return Album{}, fmt.Errorf("アルバムの更新に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Album{}, ErrAlbumNotFound
	}
	return s.FindByID(ctx, a.ID)
}

// FindByID はIDでアルバムを取得する。
func (s *Store) FindByID(ctx context.Context, id int64) (Album, error) {
	var a Album
	err := s.db.QueryRowContext(ctx, selectAlbum+` WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Album{}, ErrAlbumNotFound
	}
	if err != nil {
		return Album{}, fmt.Errorf("アルバムの取得に失敗: %w", err)
	}
	return a, nil
}

// FindAllByUserID は所有者のアルバムをID順に取得する。
func (s *Store) FindAllByUserID(ctx context.Context, userID int64) ([]Album, error) {
	return s.query(ctx, selectAlbum+` WHERE user_id = ? ORDER BY id`, userID)
}

// FindAll はすべてのアルバムをID順に取得する。
func (s *Store) FindAll(ctx context.Context) ([]Album, error) {
	return s.query(ctx, selectAlbum+` ORDER BY id`)
}

// Delete はIDでアルバムを削除する。
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM albums WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("アルバムの削除に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlbumNotFound
	}
	return nil
}

const selectAlbum = `SELECT id, user_id, name, description, created_at FROM albums`

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Album, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("アルバム一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	albums := make([]Album, 0)
	for rows.Next() {
		var a Album
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("アルバムの読み込みに失敗: %w", err)
		}
		albums = append(albums, a)
	}
	return albums, rows.Err()
}
