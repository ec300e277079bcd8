package storage

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"golang.org/x/crypto/pbkdf2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AuthDB reads the external user database of the downstream library manager.
// The file is opened read-only; only the user table is consulted.
type AuthDB struct {
	db *gorm.DB
}

// OpenAuthDB opens the auth database at path. Missing file is an error so the
// caller can disable authentication cleanly.
func OpenAuthDB(path string) (*AuthDB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("auth database not found: %w", err)
	}

	dsn := path + "?mode=ro"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open auth database: %w", err)
	}
	return &AuthDB{db: db}, nil
}

// VerifyCredentials checks username/password against the stored salted hash.
// It returns false both for unknown users and wrong passwords; the caller
// only learns success or failure.
func (a *AuthDB) VerifyCredentials(username, password string) bool {
	var user AuthUser
	if err := a.db.First(&user, "name = ?", username).Error; err != nil {
		return false
	}
	return CheckPasswordHash(user.Password, password)
}

// CheckPasswordHash verifies a password against a werkzeug-style hash string:
// "pbkdf2:sha256:<iterations>$<salt>$<hex digest>". Unknown schemes fail
// closed.
func CheckPasswordHash(stored, password string) bool {
	parts := strings.SplitN(stored, "$", 3)
	if len(parts) != 3 {
		return false
	}
	method, salt, digest := parts[0], parts[1], parts[2]

	if !strings.HasPrefix(method, "pbkdf2:sha256") {
		return false
	}

	iterations := 260000
	if idx := strings.LastIndex(method, ":"); idx > len("pbkdf2:sha256")-1 {
		if n, err := strconv.Atoi(method[idx+1:]); err == nil && n > 0 {
			iterations = n
		}
	}

	want, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), []byte(salt), iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}
