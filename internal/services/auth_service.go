package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	sentinal_errors "sentinal-e2ee/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthService issues device access tokens for the simulated homeserver.
// Unknown users are registered on their first login.
type AuthService struct {
	mu         sync.Mutex
	serverName string
	jwtSecret  []byte
	accessTTL  time.Duration
	passwords  map[string]string
	sessions   map[string]*DeviceSession
}

type DeviceSession struct {
	ID        string
	UserID    string
	DeviceID  string
	CreatedAt time.Time
	IsRevoked bool
}

func NewAuthService(serverName, jwtSecret string, accessTTL time.Duration) *AuthService {
	return &AuthService{
		serverName: serverName,
		jwtSecret:  []byte(jwtSecret),
		accessTTL:  accessTTL,
		passwords:  make(map[string]string),
		sessions:   make(map[string]*DeviceSession),
	}
}

type LoginInput struct {
	User        string
	Password    string
	DeviceID    string
	DisplayName string
}

type AuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

type AccessClaims struct {
	UserID    string `json:"sub"`
	SessionID string `json:"sid"`
	DeviceID  string `json:"did"`
	jwt.RegisteredClaims
}

// QualifyUserID turns a localpart into @localpart:server.
func (s *AuthService) QualifyUserID(user string) string {
	if strings.HasPrefix(user, "@") {
		return user
	}
	return "@" + user + ":" + s.serverName
}

func (s *AuthService) Login(_ context.Context, in LoginInput) (AuthResponse, error) {
	if err := validateLogin(in); err != nil {
		return AuthResponse{}, err
	}
	userID := s.QualifyUserID(in.User)
	if !strings.HasSuffix(userID, ":"+s.serverName) {
		return AuthResponse{}, sentinal_errors.ErrForbidden
	}

	s.mu.Lock()
	hash, known := s.passwords[userID]
	s.mu.Unlock()

	if known {
		if err := comparePassword(hash, in.Password); err != nil {
			return AuthResponse{}, sentinal_errors.ErrUnauthorized
		}
	} else {
		if len(in.Password) < 8 {
			return AuthResponse{}, sentinal_errors.ErrInvalidInput
		}
		hashed, err := hashPassword(in.Password)
		if err != nil {
			return AuthResponse{}, err
		}
		s.mu.Lock()
		if _, raced := s.passwords[userID]; raced {
			s.mu.Unlock()
			return AuthResponse{}, sentinal_errors.ErrConflict
		}
		s.passwords[userID] = hashed
		s.mu.Unlock()
	}

	deviceID := in.DeviceID
	if deviceID == "" {
		generated, err := generateDeviceID()
		if err != nil {
			return AuthResponse{}, err
		}
		deviceID = generated
	}

	session := &DeviceSession{ID: uuid.NewString(), UserID: userID, DeviceID: deviceID, CreatedAt: time.Now()}
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	token, expiresIn, err := s.newAccessToken(session)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		SessionID:   session.ID,
		UserID:      userID,
		DeviceID:    deviceID,
	}, nil
}

func (s *AuthService) Logout(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return sentinal_errors.ErrNotFound
	}
	session.IsRevoked = true
	return nil
}

func (s *AuthService) ParseAccessToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, sentinal_errors.ErrUnauthorized
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, sentinal_errors.ErrUnauthorized
	}

	return *claims, nil
}

// ValidateSession checks that the token's session is live and belongs to the claimed device.
func (s *AuthService) ValidateSession(_ context.Context, claims AccessClaims) (DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[claims.SessionID]
	if !ok || session.IsRevoked {
		return DeviceSession{}, sentinal_errors.ErrUnauthorized
	}
	if session.UserID != claims.UserID || session.DeviceID != claims.DeviceID {
		return DeviceSession{}, sentinal_errors.ErrUnauthorized
	}
	return *session, nil
}

func (s *AuthService) newAccessToken(session *DeviceSession) (string, int64, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	claims := AccessClaims{
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(s.accessTTL.Seconds()), nil
}

func validateLogin(in LoginInput) error {
	if in.User == "" || in.Password == "" {
		return sentinal_errors.ErrInvalidInput
	}
	return nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func comparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
