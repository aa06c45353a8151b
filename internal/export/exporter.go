package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/govtheppl/chat-server/internal/domain"
	"github.com/govtheppl/chat-server/internal/presence"
)

// ErrExportFailed marks a termination that could not be archived. The caller
// must keep the KV state live; the chat stays open.
var ErrExportFailed = errors.New("chat export failed")

// Exporter writes terminated chats to PostgreSQL and answers the relational
// lookups the realtime side needs: participants for a chat, pending chat
// requests for catch-up, and identity-provider subject resolution.
type Exporter struct {
	db           *sql.DB
	queryTimeout time.Duration
	logger       *logrus.Logger

	// Prepared statements cache
	stmts map[string]*sql.Stmt
}

// NewPostgresDB opens a connection pool with the archival sizing.
func NewPostgresDB(url string, minConns, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// NewExporter creates an exporter and prepares its statements.
func NewExporter(db *sql.DB, queryTimeout time.Duration, logger *logrus.Logger) (*Exporter, error) {
	e := &Exporter{
		db:           db,
		queryTimeout: queryTimeout,
		logger:       logger,
		stmts:        make(map[string]*sql.Stmt),
	}
	if err := e.prepareStatements(); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return e, nil
}

func (e *Exporter) prepareStatements() error {
	statements := map[string]string{
		"exportChat": `
			UPDATE chat_log
			SET log = $1::jsonb,
			    end_time = $2,
			    end_type = $3,
			    status = 'archived'
			WHERE id = $4::uuid
		`,
		"createChatLog": `
			INSERT INTO chat_log (chat_request_id, start_time)
			VALUES ($1::uuid, $2)
			RETURNING id
		`,
		"getChatParticipants": `
			SELECT
				cr.initiator_user_id,
				up.user_id as responder_user_id
			FROM chat_log cl
			JOIN chat_request cr ON cl.chat_request_id = cr.id
			JOIN user_position up ON cr.user_position_id = up.id
			WHERE cl.id = $1::uuid
		`,
		"resolveKeycloakID": `
			SELECT id FROM users WHERE keycloak_id = $1
		`,
		"positionHolders": `
			SELECT up.user_id, COALESCE(u.notifications_enabled, false)
			FROM user_position up
			JOIN users u ON up.user_id = u.id
			WHERE up.position_id = $1::uuid
			  AND up.user_id != $2::uuid
		`,
		"pendingChatRequests": `
			SELECT
				cr.id,
				cr.user_position_id,
				cr.response,
				TO_CHAR(cr.created_time, 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"') as created_time,
				u.id as initiator_id,
				u.display_name as initiator_display_name,
				u.username as initiator_username,
				u.status as initiator_status,
				u.trust_score as initiator_trust_score,
				u.avatar_url as initiator_avatar_url,
				u.avatar_icon_url as initiator_avatar_icon_url,
				COALESCE((
					SELECT COUNT(*) FROM kudos k
					WHERE k.receiver_user_id = u.id AND k.status = 'sent'
				), 0) as initiator_kudos_count,
				p.id as position_id,
				p.statement as position_statement,
				pc.label as position_category_name,
				loc.code as position_location_code,
				loc.name as position_location_name,
				author.id as author_id,
				author.display_name as author_display_name,
				author.username as author_username,
				author.status as author_status,
				author.trust_score as author_trust_score,
				author.avatar_url as author_avatar_url,
				author.avatar_icon_url as author_avatar_icon_url,
				COALESCE((
					SELECT COUNT(*) FROM kudos k
					WHERE k.receiver_user_id = author.id AND k.status = 'sent'
				), 0) as author_kudos_count
			FROM chat_request cr
			JOIN user_position up ON cr.user_position_id = up.id
			JOIN users u ON cr.initiator_user_id = u.id
			JOIN position p ON up.position_id = p.id
			JOIN users author ON up.user_id = author.id
			LEFT JOIN position_category pc ON p.category_id = pc.id
			LEFT JOIN location loc ON p.location_id = loc.id
			WHERE up.user_id = $1::uuid
			  AND cr.response = 'pending'
			ORDER BY cr.created_time DESC
		`,
	}

	for name, query := range statements {
		stmt, err := e.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", name, err)
		}
		e.stmts[name] = stmt
	}
	return nil
}

// Close releases the prepared statements. The pool itself is closed by main.
func (e *Exporter) Close() error {
	for _, stmt := range e.stmts {
		stmt.Close()
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

func (e *Exporter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.queryTimeout)
}

// CreateChatLog inserts a new archival row in active state and returns the
// generated chat id.
func (e *Exporter) CreateChatLog(ctx context.Context, chatRequestID string) (string, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	var chatID string
	err := e.stmts["createChatLog"].QueryRowContext(ctx, chatRequestID, time.Now().UTC()).Scan(&chatID)
	if err != nil {
		return "", fmt.Errorf("create chat_log for request %s: %w", chatRequestID, err)
	}

	e.logger.WithFields(logrus.Fields{
		"chat_id":    chatID,
		"request_id": chatRequestID,
	}).Info("Created chat_log")
	return chatID, nil
}

// GetChatParticipants recovers [initiator, responder] for a chat by joining
// through its originating request. Returns nil if the chat is unknown.
func (e *Exporter) GetChatParticipants(ctx context.Context, chatID string) ([]string, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	var initiatorID, responderID string
	err := e.stmts["getChatParticipants"].QueryRowContext(ctx, chatID).Scan(&initiatorID, &responderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participants for chat %s: %w", chatID, err)
	}
	return []string{initiatorID, responderID}, nil
}

// ExportChat updates the archival row with the chat snapshot, the end
// timestamp and end type, and flips status to archived. Success here is the
// point of durability: only after it may the KV state be deleted.
func (e *Exporter) ExportChat(ctx context.Context, chatID string, exportData *domain.ExportData, endType string) error {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	snapshot, err := json.Marshal(exportData)
	if err != nil {
		return fmt.Errorf("marshal export data: %w", err)
	}

	result, err := e.stmts["exportChat"].ExecContext(ctx, snapshot, time.Now().UTC(), endType, chatID)
	if err != nil {
		e.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to export chat")
		return fmt.Errorf("export chat %s: %w", chatID, ErrExportFailed)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("export chat %s: no archival row: %w", chatID, ErrExportFailed)
	}

	e.logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"end_type": endType,
	}).Info("Exported chat")
	return nil
}

// ResolveKeycloakID maps an identity-provider subject to the internal user
// id. Returns "" if no user matches.
func (e *Exporter) ResolveKeycloakID(ctx context.Context, keycloakID string) (string, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	var userID string
	err := e.stmts["resolveKeycloakID"].QueryRowContext(ctx, keycloakID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve keycloak id: %w", err)
	}
	return userID, nil
}

// GetPositionHolders returns who holds a position besides the asking user,
// with their notification opt-in, for availability computation.
func (e *Exporter) GetPositionHolders(ctx context.Context, positionID, excludeUserID string) ([]presence.Holder, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	rows, err := e.stmts["positionHolders"].QueryContext(ctx, positionID, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("position holders for %s: %w", positionID, err)
	}
	defer rows.Close()

	var holders []presence.Holder
	for rows.Next() {
		var holder presence.Holder
		if err := rows.Scan(&holder.UserID, &holder.NotificationsEnabled); err != nil {
			return nil, fmt.Errorf("scan position holder: %w", err)
		}
		holders = append(holders, holder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position holders: %w", err)
	}
	return holders, nil
}

// pendingRequestRow carries one row of the catch-up query before card shaping.
type pendingRequestRow struct {
	ID             string
	UserPositionID string
	Response       string
	CreatedTime    sql.NullString

	InitiatorID            string
	InitiatorDisplayName   string
	InitiatorUsername      string
	InitiatorStatus        string
	InitiatorTrustScore    sql.NullFloat64
	InitiatorAvatarURL     sql.NullString
	InitiatorAvatarIconURL sql.NullString
	InitiatorKudosCount    int

	PositionID           string
	PositionStatement    string
	PositionCategoryName sql.NullString
	PositionLocationCode sql.NullString
	PositionLocationName sql.NullString

	AuthorID            string
	AuthorDisplayName   string
	AuthorUsername      string
	AuthorStatus        string
	AuthorTrustScore    sql.NullFloat64
	AuthorAvatarURL     sql.NullString
	AuthorAvatarIconURL sql.NullString
	AuthorKudosCount    int
}

// GetPendingChatRequests returns card-shaped payloads for every pending chat
// request targeting one of the user's positions, used for catch-up delivery
// on reconnect.
func (e *Exporter) GetPendingChatRequests(ctx context.Context, userID string) ([]domain.ChatRequestCard, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	rows, err := e.stmts["pendingChatRequests"].QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("pending chat requests for user %s: %w", userID, err)
	}
	defer rows.Close()

	cards := make([]domain.ChatRequestCard, 0)
	for rows.Next() {
		var r pendingRequestRow
		err := rows.Scan(
			&r.ID, &r.UserPositionID, &r.Response, &r.CreatedTime,
			&r.InitiatorID, &r.InitiatorDisplayName, &r.InitiatorUsername,
			&r.InitiatorStatus, &r.InitiatorTrustScore, &r.InitiatorAvatarURL,
			&r.InitiatorAvatarIconURL, &r.InitiatorKudosCount,
			&r.PositionID, &r.PositionStatement,
			&r.PositionCategoryName, &r.PositionLocationCode, &r.PositionLocationName,
			&r.AuthorID, &r.AuthorDisplayName, &r.AuthorUsername,
			&r.AuthorStatus, &r.AuthorTrustScore, &r.AuthorAvatarURL,
			&r.AuthorAvatarIconURL, &r.AuthorKudosCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		cards = append(cards, buildCard(r))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending requests: %w", err)
	}

	return cards, nil
}

func buildCard(r pendingRequestRow) domain.ChatRequestCard {
	position := domain.CardPosition{
		ID:        r.PositionID,
		Statement: r.PositionStatement,
		Creator: domain.UserProfile{
			ID:            r.AuthorID,
			DisplayName:   r.AuthorDisplayName,
			Username:      r.AuthorUsername,
			Status:        r.AuthorStatus,
			KudosCount:    r.AuthorKudosCount,
			TrustScore:    nullFloat(r.AuthorTrustScore),
			AvatarURL:     nullString(r.AuthorAvatarURL),
			AvatarIconURL: nullString(r.AuthorAvatarIconURL),
		},
	}
	if r.PositionCategoryName.Valid {
		position.Category = &domain.PositionCategory{Label: r.PositionCategoryName.String}
	}
	if r.PositionLocationCode.Valid {
		position.Location = &domain.PositionLocation{
			Code: r.PositionLocationCode.String,
			Name: nullString(r.PositionLocationName),
		}
	}

	return domain.ChatRequestCard{
		Type: "chat_request",
		Data: domain.ChatRequestCardData{
			ID: r.ID,
			Requester: domain.UserProfile{
				ID:            r.InitiatorID,
				DisplayName:   r.InitiatorDisplayName,
				Username:      r.InitiatorUsername,
				Status:        r.InitiatorStatus,
				KudosCount:    r.InitiatorKudosCount,
				TrustScore:    nullFloat(r.InitiatorTrustScore),
				AvatarURL:     nullString(r.InitiatorAvatarURL),
				AvatarIconURL: nullString(r.InitiatorAvatarIconURL),
			},
			UserPositionID: r.UserPositionID,
			Position:       position,
			Response:       r.Response,
			CreatedTime:    r.CreatedTime.String,
		},
	}
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullFloat(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	return &nf.Float64
}
