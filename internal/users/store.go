package users

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/photoapp/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrUserNotFound は指定されたユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailAlreadyExists はメールアドレスが登録済みであることを表す。
	ErrEmailAlreadyExists = errors.New("email already exists")
)

// User は登録済みのユーザー。
type User struct {
	// ID はユーザーの一意識別子。保存前は0。
	ID int64
	// Email はログインに使うメールアドレス。トークンのsubjectになる。
	Email string
	// Firstname は名。
	Firstname string
	// Lastname は姓。
	Lastname string
	// EncryptedPassword はbcryptでハッシュ化したパスワード。
	EncryptedPassword string
	// CreatedAt は作成日時。
	CreatedAt time.Time
}

// UserRepository はユーザーの永続化を担う。
type UserRepository interface {
	Save(ctx context.Context, u User) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindAll(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, id int64) error
}

// Store はSQLiteによるUserRepositoryの実装。
type Store struct {
	db *sql.DB
}

var _ UserRepository = (*Store)(nil)

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
func OpenStore(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは単一の書き込み接続で使う
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

// Save はIDが0なら新規作成し、それ以外なら更新する。
// メールアドレスが重複する場合はErrEmailAlreadyExistsを返す。
func (s *Store) Save(ctx context.Context, u User) (User, error) {
	if u.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO users (email, firstname, lastname, encrypted_password) VALUES (?, ?, ?, ?)`,
			u.Email, u.Firstname, u.Lastname, u.EncryptedPassword,
		)
		if err != nil {
			return User{}, translateWriteError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return User{}, fmt.Errorf("採番されたIDの取得に失敗: %w", err)
		}
		return s.FindByID(ctx, id)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, firstname = ?, lastname = ?, encrypted_password = ? WHERE id = ?`,
		u.Email, u.Firstname, u.Lastname, u.EncryptedPassword, u.ID,
	)
	if err != nil {
		return User{}, translateWriteError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return User{}, ErrUserNotFound
	}
	return s.FindByID(ctx, u.ID)
}

// FindByID はIDでユーザーを取得する。
func (s *Store) FindByID(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, id)
	return scanUser(row)
}

// FindByEmail はメールアドレスでユーザーを取得する。
func (s *Store) FindByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE email = ?`, email)
	return scanUser(row)
}

// FindAll はすべてのユーザーをID順に取得する。
func (s *Store) FindAll(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete はIDでユーザーを削除する。
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

const selectUser = `SELECT id, email, firstname, lastname, encrypted_password, created_at FROM users`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Firstname, &u.Lastname, &u.EncryptedPassword, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("ユーザーの読み込みに失敗: %w", err)
	}
	return u, nil
}

// translateWriteError は一意制約違反をErrEmailAlreadyExistsに変換する。
func translateWriteError(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return ErrEmailAlreadyExists
	}
	return fmt.Errorf("ユーザーの保存に失敗: %w", err)
}
