package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func (r *RegisterRequest) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.TrimSpace(r.Email)
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)

	switch {
	case len(r.Username) < 3 || len(r.Username) > 50:
		return &models.ValidationError{Field: "username", Reason: "must be between 3 and 50 characters"}
	case r.Email == "":
		return &models.ValidationError{Field: "email", Reason: "is required"}
	case len(r.Password) < 8:
		return &models.ValidationError{Field: "password", Reason: "must be at least 8 characters"}
	case r.FirstName == "":
		return &models.ValidationError{Field: "first_name", Reason: "is required"}
	case r.LastName == "":
		return &models.ValidationError{Field: "last_name", Reason: "is required"}
	}
	if addr, err := mail.ParseAddress(r.Email); err != nil || addr.Address != r.Email {
		return &models.ValidationError{Field: "email", Reason: "is not a valid address"}
	}
	return nil
}

type UserResponse struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Enabled   bool   `json:"enabled"`
}

type credential struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Temporary bool   `json:"temporary"`
}

// userRepresentation is the identity provider's user payload.
type userRepresentation struct {
	Username      string       `json:"username"`
	Email         string       `json:"email"`
	FirstName     string       `json:"firstName"`
	LastName      string       `json:"lastName"`
	Enabled       bool         `json:"enabled"`
	EmailVerified bool         `json:"emailVerified"`
	Credentials   []credential `json:"credentials"`
}

// IdentityClient creates users at the identity provider's admin endpoint.
type IdentityClient struct {
	usersURL string
	token    string
	timeout  time.Duration
	http     *http.Client
}

func NewIdentityClient(usersURL, token string, timeout time.Duration, httpClient *http.Client) *IdentityClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &IdentityClient{
		usersURL: strings.TrimRight(usersURL, "/"),
		token:    token,
		timeout:  timeout,
		http:     httpClient,
	}
}

// CreateUser creates an enabled user with a permanent password. The new
// id is taken from the Location header of the provider's 201.
func (c *IdentityClient) CreateUser(ctx context.Context, req RegisterRequest) (*UserResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(userRepresentation{
		Username:    req.Username,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Enabled:     true,
		Credentials: []credential{{Type: "password", Value: req.Password}},
	})
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.usersURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return &UserResponse{
		ID:        path.Base(resp.Header.Get("Location")),
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Enabled:   true,
	}, nil
}

type UserCreator interface {
	CreateUser(ctx context.Context, req RegisterRequest) (*UserResponse, error)
}

// HandleRegister validates the request and creates the user. Any provider
// failure is reported to the caller as 400.
func HandleRegister(users UserCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := zerolog.Ctx(ctx)

		var req RegisterRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}
		if err := req.Validate(); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		logger.Info().Str("username", req.Username).Msg("registering user")

		user, err := users.CreateUser(ctx, req)
		if err != nil {
			logger.Error().Err(err).Str("username", req.Username).Msg("register user")
			httpserver.RespondError(w, http.StatusBadRequest, "REGISTRATION_FAILED", "registration failed")
			return
		}

		httpserver.RespondJSON(w, http.StatusCreated, user)
	}
}
