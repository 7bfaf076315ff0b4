package chatsim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = "id, username, first_name, last_name, image, is_lawyer, is_judge"

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Image, &u.IsLawyer, &u.IsJudge)
	return u, err
}

// CreateUser registers a user and returns it. It returns ErrConflictedUser if the
// username is taken.
func (s *UserStore) CreateUser(ctx context.Context, input UserCreateInput) (User, error) {
	if err := validate.Struct(input); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidUser, err)
	}
	existing, err := s.GetUserByUsername(ctx, input.Username)
	if err != nil {
		return User{}, fmt.Errorf("checking if user exists: %w", err)
	}
	if existing != nil {
		return User{}, ErrConflictedUser
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
	INSERT INTO users (username, password, first_name, last_name, image, is_lawyer, is_judge)
	VALUES (@username, @password, @first_name, @last_name, @image, @is_lawyer, @is_judge)
	RETURNING `+userColumns,
		sql.Named("username", input.Username),
		sql.Named("password", string(hashed)),
		sql.Named("first_name", input.FirstName),
		sql.Named("last_name", input.LastName),
		sql.Named("image", input.Image),
		sql.Named("is_lawyer", input.IsLawyer),
		sql.Named("is_judge", input.IsJudge),
	)
	u, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUserByUsername returns nil if the user does not exist.
func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ? LIMIT 1", username)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// GetUserByID returns nil if the user does not exist.
func (s *UserStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ? LIMIT 1", id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// Authenticate returns the user if the password matches, ErrBadCredentials otherwise.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+", password FROM users WHERE username = ? LIMIT 1", username)
	var (
		u      User
		stored string
	)
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Image, &u.IsLawyer, &u.IsJudge, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrBadCredentials
		}
		return User{}, fmt.Errorf("scanning user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// SearchUsers returns users whose username or name contains query, excluding excludeID.
func (s *UserStore) SearchUsers(ctx context.Context, query string, excludeID int64, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+userColumns+` FROM users
	WHERE id != @exclude AND (
		lower(username) LIKE @q OR lower(first_name) LIKE @q OR lower(last_name) LIKE @q
		OR lower(first_name || ' ' || last_name) LIKE @q)
	ORDER BY username
	LIMIT @limit`,
		sql.Named("exclude", excludeID), sql.Named("q", pattern), sql.Named("limit", limit))
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
