package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/tuckersync/syncserver/internal/db"
)

// User is an account row. Password holds the stored verifier, never a
// plaintext.
type User struct {
	ID       int64
	Email    string
	Password string
}

// Client is a device replica row. Its user reference is immutable once
// created.
type Client struct {
	ID     int64
	UserID int64
	UUID   uuid.UUID
}

var (
	// ErrAuthFail covers every authentication failure. Callers must not be
	// able to tell an unknown email from a wrong password.
	ErrAuthFail = errors.New("authentication failed")

	// ErrEmailNotUnique is returned when an account email is already taken.
	ErrEmailNotUnique = errors.New("email not unique")

	// ErrClientUUIDNotUnique is returned when a client UUID is already bound,
	// possibly to another user's account.
	ErrClientUUIDNotUnique = errors.New("client UUID not unique")

	// ErrUserNotFound is returned by updates keyed on a missing email.
	ErrUserNotFound = errors.New("user not found")
)

// Unique constraint names from the schema contract (000001_base.up.sql).
const (
	emailConstraint = "users_email_key"
	uuidConstraint  = "clients_uuid_key"
)

func classifyDuplicate(err error) error {
	kind, cerr := db.Classify(err)
	if kind != db.KindDuplicateKey {
		return err
	}
	switch {
	case db.IsDuplicate(cerr, emailConstraint):
		return ErrEmailNotUnique
	case db.IsDuplicate(cerr, uuidConstraint):
		return ErrClientUUIDNotUnique
	default:
		return err
	}
}

// CreateUser inserts a user and its first client atomically. The verifier
// must already be hashed.
func CreateUser(ctx context.Context, q db.Beginner, email, verifier string, clientUUID uuid.UUID) (User, Client, error) {
	tx, err := q.Begin(ctx)
	if err != nil {
		return User{}, Client{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	user := User{Email: email, Password: verifier}
	err = tx.QueryRow(ctx,
		`INSERT INTO users (email, password) VALUES ($1, $2) RETURNING id`,
		email, verifier).Scan(&user.ID)
	if err != nil {
		return User{}, Client{}, classifyDuplicate(err)
	}

	client := Client{UserID: user.ID, UUID: clientUUID}
	err = tx.QueryRow(ctx,
		`INSERT INTO clients (user_id, uuid) VALUES ($1, $2) RETURNING id`,
		user.ID, clientUUID).Scan(&client.ID)
	if err != nil {
		return User{}, Client{}, classifyDuplicate(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, Client{}, fmt.Errorf("commit: %w", err)
	}

	log.Debug().Int64("user_id", user.ID).Str("client_uuid", clientUUID.String()).
		Msg("user created")
	return user, client, nil
}

// Authenticate loads the user with all its clients in one join and verifies
// the password. Every failure path returns ErrAuthFail.
func Authenticate(ctx context.Context, q db.Querier, email, plaintext string) (User, []Client, error) {
	rows, err := q.Query(ctx, `
		SELECT u.id, u.email, u.password, c.id, c.uuid
		FROM users u
		LEFT JOIN clients c ON c.user_id = u.id
		WHERE u.email = $1
		ORDER BY c.id
	`, email)
	if err != nil {
		return User{}, nil, fmt.Errorf("load user: %w", err)
	}
	defer rows.Close()

	var user User
	var clients []Client
	found := false

	for rows.Next() {
		var clientID *int64
		var clientUUID *uuid.UUID
		if err := rows.Scan(&user.ID, &user.Email, &user.Password, &clientID, &clientUUID); err != nil {
			return User{}, nil, fmt.Errorf("scan user: %w", err)
		}
		found = true
		if clientID != nil {
			clients = append(clients, Client{ID: *clientID, UserID: user.ID, UUID: *clientUUID})
		}
	}
	if err := rows.Err(); err != nil {
		return User{}, nil, fmt.Errorf("load user: %w", err)
	}

	if !found || !Verify(plaintext, user.Password) {
		return User{}, nil, ErrAuthFail
	}
	return user, clients, nil
}

// ModifyUser updates credentials keyed on the current email. Pass empty
// strings to leave a field unchanged.
func ModifyUser(ctx context.Context, q db.Querier, currentEmail, newEmail, newVerifier string) error {
	if newEmail == "" {
		newEmail = currentEmail
	}

	var tag string
	var err error
	if newVerifier == "" {
		_, err = q.Exec(ctx,
			`UPDATE users SET email = $1 WHERE email = $2`, newEmail, currentEmail)
		tag = "email"
	} else {
		_, err = q.Exec(ctx,
			`UPDATE users SET email = $1, password = $2 WHERE email = $3`,
			newEmail, newVerifier, currentEmail)
		tag = "email+password"
	}
	if err != nil {
		return classifyDuplicate(err)
	}

	log.Debug().Str("fields", tag).Msg("user modified")
	return nil
}

// DeleteUser removes the account; clients cascade at the schema level.
func DeleteUser(ctx context.Context, q db.Querier, email string) error {
	ct, err := q.Exec(ctx, `DELETE FROM users WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ResolveClient finds the client row for clientUUID under userID, inserting
// it on first contact. A UUID already bound to another user is rejected.
func ResolveClient(ctx context.Context, q db.Querier, userID int64, clientUUID uuid.UUID) (Client, error) {
	client := Client{UUID: clientUUID}
	err := q.QueryRow(ctx,
		`SELECT id, user_id FROM clients WHERE uuid = $1`, clientUUID).
		Scan(&client.ID, &client.UserID)

	switch {
	case err == nil:
		if client.UserID != userID {
			return Client{}, ErrClientUUIDNotUnique
		}
		return client, nil
	case errors.Is(err, pgx.ErrNoRows):
		client.UserID = userID
		err = q.QueryRow(ctx,
			`INSERT INTO clients (user_id, uuid) VALUES ($1, $2) RETURNING id`,
			userID, clientUUID).Scan(&client.ID)
		if err != nil {
			return Client{}, classifyDuplicate(err)
		}
		log.Debug().Int64("user_id", userID).Str("client_uuid", clientUUID.String()).
			Msg("client registered")
		return client, nil
	default:
		return Client{}, fmt.Errorf("resolve client: %w", err)
	}
}
