package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidToken       = errors.New("invalid token")
)

const issuer = "harbr"

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// User is a configured account. PasswordHash is a bcrypt hash.
type User struct {
	Username     string
	PasswordHash string
}

type Service struct {
	secret   []byte
	duration time.Duration
	users    map[string]string
	// dummyHash keeps the cost of rejecting an unknown user equal to a wrong password.
	dummyHash []byte
}

func NewService(secret string, duration time.Duration, users ...User) *Service {
	s := &Service{
		secret:   []byte(secret),
		duration: duration,
		users:    make(map[string]string, len(users)),
	}
	for _, u := range users {
		s.users[u.Username] = u.PasswordHash
	}
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("harbr-unknown-user"), bcrypt.MinCost)
	return s
}

func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (s *Service) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HasUser reports whether username is a configured account.
func (s *Service) HasUser(username string) bool {
	_, ok := s.users[username]
	return ok
}

// Authenticate checks a configured user's password.
func (s *Service) Authenticate(username, password string) error {
	hash, ok := s.users[username]
	if !ok {
		bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	return s.CheckPassword(hash, password)
}

// AuthenticateBasic resolves HTTP basic credentials. The password may be the user's
// configured password or a token issued to that user, so git clients can push with a token.
func (s *Service) AuthenticateBasic(username, password string) (*Claims, error) {
	if strings.Count(password, ".") == 2 {
		if claims, err := s.ValidateToken(password); err == nil {
			if claims.Username != username {
				return nil, ErrInvalidCredentials
			}
			return claims, nil
		}
	}
	if err := s.Authenticate(username, password); err != nil {
		return nil, err
	}
	now := time.Now()
	return &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}, nil
}

func (s *Service) GenerateToken(username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Username == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
