package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

// Greeting seeds every new chat so its turn list is never empty.
const Greeting = "Hi, I'm Capt'n AI. How can I help you today?"

var (
	userColumns = []string{"id", "email", "password_hash", "has_paid", "subscription_status", "credits", "stripe_customer_id", "checkout_session_id", "created_at"}
	chatColumns = []string{"id", "user_id", "chat_type", "team_id", "team_name", "team_status", "agent_chat_history", "proposed_user_action", "smart_suggestions", "show_loader", "user_responded_with_next_action", "created_at", "updated_at"}
	turnColumns = []string{"id", "chat_id", "role", "message", "team_id", "team_name", "team_status", "created_at"}
)

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	q := s.sql.Insert("users").
		Columns("email", "password_hash").
		Values(email, passwordHash).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build create user query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either supported driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

func (s *Store) GetUser(ctx context.Context, userID int64) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": userID})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, sq.Eq{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (s *Store) GetUserByStripeCustomer(ctx context.Context, customerID string) (User, error) {
	return s.getUser(ctx, sq.Eq{"stripe_customer_id": customerID})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select(userColumns...).From("users").Where(where).Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	var customerID, sessionID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.HasPaid,
		&u.SubscriptionStatus,
		&u.Credits,
		&customerID,
		&sessionID,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	if customerID.Valid {
		u.StripeCustomerID = &customerID.String
	}
	if sessionID.Valid {
		u.CheckoutSessionID = &sessionID.String
	}
	return u, nil
}

func (s *Store) SetBillingIDs(ctx context.Context, userID int64, customerID, sessionID string) error {
	q := s.sql.Update("users").
		Set("stripe_customer_id", customerID).
		Set("checkout_session_id", sessionID).
		Where(sq.Eq{"id": userID})
	return s.execOne(ctx, q, "set billing ids")
}

func (s *Store) SetSubscription(ctx context.Context, customerID string, hasPaid bool, status string) error {
	q := s.sql.Update("users").
		Set("has_paid", hasPaid).
		Set("subscription_status", status).
		Where(sq.Eq{"stripe_customer_id": customerID})
	return s.execOne(ctx, q, "set subscription")
}

// ConsumeCredit takes one credit if the user has any left.
func (s *Store) ConsumeCredit(ctx context.Context, userID int64) (bool, error) {
	q := s.sql.Update("users").
		Set("credits", sq.Expr("credits - 1")).
		Where(sq.And{sq.Eq{"id": userID}, sq.Gt{"credits": 0}})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build consume credit query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("consume credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume credit rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) AdjustCredits(ctx context.Context, userID int64, delta int) error {
	q := s.sql.Update("users").
		Set("credits", sq.Expr("credits + ?", delta)).
		Where(sq.Eq{"id": userID})
	return s.execOne(ctx, q, "adjust credits")
}

// CreateChat inserts the chat and its greeting turn in one transaction.
func (s *Store) CreateChat(ctx context.Context, userID int64, greeting string) (Chat, Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chat{}, Turn{}, fmt.Errorf("begin create chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.sql.Insert("chats").
		Columns("user_id").
		Values(userID).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, Turn{}, fmt.Errorf("build create chat query: %w", err)
	}
	var chatID int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&chatID); err != nil {
		return Chat{}, Turn{}, fmt.Errorf("create chat: %w", err)
	}

	turn, err := s.insertTurn(ctx, tx, Turn{ChatID: chatID, Role: RoleAssistant, Message: greeting})
	if err != nil {
		return Chat{}, Turn{}, err
	}
	chat, err := s.getChat(ctx, tx, chatID)
	if err != nil {
		return Chat{}, Turn{}, err
	}
	if err := tx.Commit(); err != nil {
		return Chat{}, Turn{}, fmt.Errorf("commit create chat: %w", err)
	}
	return chat, turn, nil
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	return s.getChat(ctx, s.db, chatID)
}

func (s *Store) getChat(ctx context.Context, db queryRower, chatID int64) (Chat, error) {
	q := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := scanChat(db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *Store) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateChat(ctx context.Context, chatID int64, u ChatUpdate) error {
	q := s.sql.Update("chats").
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": chatID})
	if u.ShowLoader != nil {
		q = q.Set("show_loader", *u.ShowLoader)
	}
	if u.ChatType != nil {
		q = q.Set("chat_type", *u.ChatType)
	}
	if u.TeamID != nil {
		q = q.Set("team_id", *u.TeamID)
	}
	if u.TeamName != nil {
		q = q.Set("team_name", *u.TeamName)
	}
	if u.TeamStatus != nil {
		q = q.Set("team_status", *u.TeamStatus)
	}
	if u.AgentChatHistory != nil {
		q = q.Set("agent_chat_history", *u.AgentChatHistory)
	}
	if u.ProposedUserAction != nil {
		b, err := json.Marshal(u.ProposedUserAction)
		if err != nil {
			return fmt.Errorf("marshal proposed user action: %w", err)
		}
		q = q.Set("proposed_user_action", string(b))
	}
	if u.SmartSuggestions != nil {
		b, err := json.Marshal(normalizeSuggestions(*u.SmartSuggestions))
		if err != nil {
			return fmt.Errorf("marshal smart suggestions: %w", err)
		}
		q = q.Set("smart_suggestions", string(b))
	}
	if u.UserRespondedWithNextAction != nil {
		q = q.Set("user_responded_with_next_action", *u.UserRespondedWithNextAction)
	}
	return s.execOne(ctx, q, "update chat")
}

func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.Role != RoleUser && t.Role != RoleAssistant {
		return Turn{}, fmt.Errorf("append turn: invalid role %q", t.Role)
	}
	return s.insertTurn(ctx, s.db, t)
}

func (s *Store) insertTurn(ctx context.Context, db queryRower, t Turn) (Turn, error) {
	var teamID any
	if t.TeamID != nil {
		teamID = *t.TeamID
	}
	t.CreatedAt = time.Now().UTC()
	q := s.sql.Insert("conversations").
		Columns("chat_id", "role", "message", "team_id", "team_name", "team_status", "created_at").
		Values(t.ChatID, t.Role, t.Message, teamID, t.TeamName, t.TeamStatus, t.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Turn{}, fmt.Errorf("build insert turn query: %w", err)
	}
	if err := db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID); err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	return t, nil
}

func (s *Store) ListTurns(ctx context.Context, chatID int64) ([]Turn, error) {
	q := s.sql.Select(turnColumns...).
		From("conversations").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list turns query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	out := make([]Turn, 0)
	for rows.Next() {
		var t Turn
		var teamID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Role, &t.Message, &teamID, &t.TeamName, &t.TeamStatus, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if teamID.Valid {
			t.TeamID = &teamID.Int64
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *Store) execOne(ctx context.Context, q sq.UpdateBuilder, what string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanChat(row rowScanner) (Chat, error) {
	var c Chat
	var teamID sql.NullInt64
	var proposed, suggestions string
	if err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ChatType,
		&teamID,
		&c.TeamName,
		&c.TeamStatus,
		&c.AgentChatHistory,
		&proposed,
		&suggestions,
		&c.ShowLoader,
		&c.UserRespondedWithNextAction,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Chat{}, err
	}
	if teamID.Valid {
		c.TeamID = &teamID.Int64
	}
	c.ProposedUserAction = []string{}
	if strings.TrimSpace(proposed) != "" {
		_ = json.Unmarshal([]byte(proposed), &c.ProposedUserAction)
	}
	if strings.TrimSpace(suggestions) != "" {
		_ = json.Unmarshal([]byte(suggestions), &c.SmartSuggestions)
	}
	c.SmartSuggestions = normalizeSuggestions(c.SmartSuggestions)
	return c, nil
}

func normalizeSuggestions(s SmartSuggestions) SmartSuggestions {
	if s.Suggestions == nil {
		s.Suggestions = []string{}
	}
	return s
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
