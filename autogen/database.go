package autogen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// User is a record of a Discord user the bot has interacted with.
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	// LastSeen is the last time the bot handled a message from this user
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

// NewUser creates a User record from a discordgo user object.
func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	return &user, err
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// ChatLog records a single handled chat message: the prompt, the
// response (or error), which provider produced it, and timing.
//
//nolint:lll // struct tags can't be split
type ChatLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// UserID is the Discord user ID of the message author
	UserID string `json:"user_id" gorm:"index;type:string"`

	// ChannelID the message arrived in
	ChannelID string `json:"channel_id" gorm:"type:string"`

	// Prompt is the inbound message content
	Prompt string `json:"prompt" gorm:"type:string"`

	// Response is the final reply sent to the channel
	Response string `json:"response" gorm:"type:string"`

	// Provider that produced the response
	Provider string `json:"provider" gorm:"type:string"`

	// MemoriesUsed is the number of memories included in the prompt
	MemoriesUsed int `json:"memories_used"`

	// Attempts is the number of LLM calls made (1 plus retries)
	Attempts int `json:"attempts"`

	// RequestStarted/RequestEnded bound the LLM call, in Unix millis
	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	// Error, if the request ultimately failed
	Error string `json:"error,omitempty" gorm:"type:string"`

	ModelUnixTime
}

// WebSearchLog records a handled web search command.
//
//nolint:lll // struct tags can't be split
type WebSearchLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// UserID is the Discord user ID of the requester
	UserID string `json:"user_id" gorm:"index;type:string"`

	// Query is the extracted search query
	Query string `json:"query" gorm:"type:string"`

	// ResultLimit is the clamped result limit used
	ResultLimit int `json:"result_limit"`

	// ResultCount is the number of results returned
	ResultCount int `json:"result_count"`

	// Error, if the search failed
	Error string `json:"error,omitempty" gorm:"type:string"`

	ModelUnixTime
}

// DBI defines the interface for application database operations. This is
// here primarily to enable mocking of the database operations for
// testing. [database] implements this interface for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	GetOrCreateUser(ctx context.Context, u discordgo.User) (*User, bool, error)
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	UserCount() (int64, error)
	ChatLogCount() (int64, error)
}

// database wraps the GORM connection with a write mutex (SQLite allows
// a single writer) and an in-memory cache of seen users.
type database struct {
	db        *gorm.DB
	mu        sync.Mutex
	logger    *slog.Logger
	userCache map[string]*User
	cacheMu   sync.Mutex
	// SQLite requires serialized writes; postgres doesn't
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection. If log is nil, the default logger is used.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		userCache:              map[string]*User{},
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

// GetOrCreateUser returns the User record for the given discord user,
// creating it on first sight. The returned bool indicates whether the
// user already existed. LastSeen is refreshed either way.
func (d *database) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	now := time.Now().UTC().UnixMilli()

	if cached, ok := d.userCache[u.ID]; ok {
		cached.LastSeen = now
		if _, err := d.Save(ctx, cached); err != nil {
			return cached, true, err
		}
		return cached, true, nil
	}

	var existing User
	err := d.db.WithContext(ctx).Where("id = ?", u.ID).First(&existing).Error
	if err == nil {
		existing.LastSeen = now
		d.userCache[u.ID] = &existing
		_, saveErr := d.Save(ctx, &existing)
		return &existing, true, saveErr
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	user, err := NewUser(u)
	if err != nil {
		return nil, false, err
	}
	if _, err = d.Create(ctx, user); err != nil {
		return nil, false, err
	}
	d.userCache[u.ID] = user
	return user, false, nil
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	tx := d.db.WithContext(ctx).Create(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	tx := d.db.WithContext(ctx).Save(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) UserCount() (int64, error) {
	var ct int64
	err := d.db.Model(&User{}).Count(&ct).Error
	return ct, err
}

func (d *database) ChatLogCount() (int64, error) {
	var ct int64
	err := d.db.Model(&ChatLog{}).Count(&ct).Error
	return ct, err
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type ('sqlite' or 'postgres'), and performs
// auto-migration for the application models.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return db, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return db, dbErr
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
	}

	txn := db.WithContext(ctx).Begin()
	err = txn.Migrator().AutoMigrate(
		&User{},
		&ChatLog{},
		&WebSearchLog{},
	)
	if err != nil {
		return db, err
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB opens a GORM connection for the given database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if gormLogger != nil {
		gormConfig.Logger = gormLogger
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
