package relay

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"convsync/internal/auth"
)

const tokenTTL = 24 * time.Hour

var (
	errUserExists   = errors.New("user already exists")
	errUserNotFound = errors.New("user not found")
)

type user struct {
	ID       int64
	Username string
	Password string // bcrypt hash
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}

// users is the relay's account store and token issuer.
type users struct {
	secret string

	mu     sync.Mutex
	byName map[string]*user
	nextID int64
}

func newUsers(secret string) *users {
	return &users{secret: secret, byName: make(map[string]*user)}
}

func (s *users) Register(username, password string) (int64, error) {
	if username == "" || password == "" {
		return 0, errors.New("username and password are required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[username]; ok {
		return 0, errUserExists
	}
	s.nextID++
	s.byName[username] = &user{ID: s.nextID, Username: username, Password: string(hashed)}
	return s.nextID, nil
}

func (s *users) Login(username, password string) (*loginResponse, error) {
	s.mu.Lock()
	u, ok := s.byName[username]
	s.mu.Unlock()
	if !ok {
		return nil, errUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, err
	}
	token, err := auth.Issue(s.secret, u.ID, u.Username, tokenTTL)
	if err != nil {
		return nil, err
	}
	return &loginResponse{AccessToken: token, ID: u.ID, Username: u.Username}, nil
}

func (s *users) ValidateToken(token string) (int64, string, error) {
	claims, err := auth.Validate(s.secret, token)
	if err != nil {
		return 0, "", err
	}
	return claims.ID, claims.Username, nil
}
