package pronote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/pronote-hub/pronote-sync/internal/domain/portal"
	"github.com/pronote-hub/pronote-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATOR - Session establishment and credential rotation
// ══════════════════════════════════════════════════════════════════════════════

// DefaultDeviceName is the device label registered with the portal on token
// provisioning.
const DefaultDeviceName = "pronote-sync"

// AuthConfig carries everything needed to open a session. Which fields matter
// depends on the connection scheme.
type AuthConfig struct {
	Scheme      portal.ConnectionScheme
	AccountType portal.AccountType

	// URL is the portal address. It is normalized before dialing, so both
	// bare instance URLs and full page URLs are accepted.
	URL string

	// Username and password, for the username_password scheme. Under the
	// qrcode scheme Username and Password hold the rotating token material.
	Username string
	Password string

	// UUID is the device identity the rotating token is bound to.
	UUID string

	// ENT names the identity broker to log in through. Empty for direct
	// portal logins.
	ENT string

	// AccountPIN is the second factor some accounts require.
	AccountPIN string

	// Child selects the child on parent accounts. Ignored for student
	// accounts.
	Child string

	DeviceName       string
	ClientIdentifier string
}

// QRProvision is the one-time input of initial token provisioning: the JSON
// payload decoded from the QR code the portal displays, and the four digit
// PIN that seals it.
type QRProvision struct {
	PayloadJSON string
	PIN         string
}

// qrPayload is the decoded QR code content.
type qrPayload struct {
	URL   string `json:"url"`
	Login string `json:"login"`
	Token string `json:"jeton"`
}

// Authenticator opens sessions through a Dialer and classifies its failures
// into the portal error taxonomy.
type Authenticator struct {
	dialer Dialer
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(dialer Dialer, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		dialer: dialer,
		logger: logger.With(slog.String("component", "authenticator")),
	}
}

var trailingPageRe = regexp.MustCompile(`/[^/]+\.html(\?.*)?$`)

// NormalizeURL turns whatever portal address the user supplied into the
// login page URL for the account type. A trailing page component is dropped
// and replaced; direct logins get the login=true marker that bypasses the
// identity broker redirect.
func NormalizeURL(raw string, accountType portal.AccountType, ent string) string {
	u := strings.TrimSpace(raw)
	u = trailingPageRe.ReplaceAllString(u, "/")
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	switch accountType {
	case portal.AccountParent:
		u += "parent.html"
	default:
		u += "eleve.html"
	}
	if ent == "" {
		u += "?login=true"
	}
	return u
}

// Authenticate opens a session for the configured scheme. For the qrcode
// scheme it performs a token login with the stored rotating credentials;
// initial provisioning goes through ProvisionQRCode instead.
//
// On success it returns the session and, for the qrcode scheme, the rotated
// credentials the caller must persist before the next cycle.
func (a *Authenticator) Authenticate(ctx context.Context, cfg AuthConfig) (Session, *portal.Credentials, error) {
	const op = "Authenticate"

	switch cfg.Scheme {
	case portal.SchemeQRCode:
		return a.tokenLogin(ctx, op, cfg)
	case portal.SchemeUsernamePassword, "":
		session, err := a.passwordLogin(ctx, op, cfg)
		return session, nil, err
	default:
		return nil, nil, shared.NewPortalError(op, shared.ErrAuthentication,
			fmt.Sprintf("unknown connection scheme %q", cfg.Scheme))
	}
}

// ProvisionQRCode trades a one-time QR payload for a session and the first
// rotating token. The payload is consumed by the attempt, so this is never
// retried; a failure means the user must scan a fresh code.
func (a *Authenticator) ProvisionQRCode(ctx context.Context, cfg AuthConfig, provision QRProvision) (Session, *portal.Credentials, error) {
	const op = "ProvisionQRCode"

	var payload qrPayload
	if err := json.Unmarshal([]byte(provision.PayloadJSON), &payload); err != nil {
		return nil, nil, shared.WrapPortalError(op, shared.ErrInvalidResponse,
			"QR payload is not valid JSON", err)
	}
	if payload.URL == "" || payload.Token == "" {
		return nil, nil, shared.NewPortalError(op, shared.ErrInvalidResponse,
			"QR payload is missing url or token")
	}

	identifier := cfg.ClientIdentifier
	if identifier == "" {
		identifier = uuid.NewString()
	}

	a.logger.Info("exchanging QR code for initial token",
		slog.String("url", payload.URL))

	session, err := a.dialer.ExchangeQRCode(ctx, QRCodeExchange{
		URL:              payload.URL,
		Login:            payload.Login,
		Token:            payload.Token,
		PIN:              provision.PIN,
		DeviceName:       deviceName(cfg),
		ClientIdentifier: identifier,
	})
	if err != nil {
		return nil, nil, a.classify(op, err)
	}

	creds, err := a.exportCredentials(op, session, identifier)
	if err != nil {
		return nil, nil, err
	}
	if err := a.bindChild(op, session, cfg); err != nil {
		return nil, nil, err
	}
	return session, creds, nil
}

func (a *Authenticator) tokenLogin(ctx context.Context, op string, cfg AuthConfig) (Session, *portal.Credentials, error) {
	if cfg.Password == "" || cfg.UUID == "" {
		return nil, nil, shared.NewPortalError(op, shared.ErrAuthentication,
			"no stored token material, re-provisioning required")
	}

	identifier := cfg.ClientIdentifier
	if identifier == "" {
		identifier = uuid.NewString()
	}

	session, err := a.dialer.LoginWithToken(ctx, TokenLogin{
		URL:              cfg.URL,
		Username:         cfg.Username,
		Token:            cfg.Password,
		UUID:             cfg.UUID,
		AccountPIN:       cfg.AccountPIN,
		DeviceName:       deviceName(cfg),
		ClientIdentifier: identifier,
	})
	if err != nil {
		return nil, nil, a.classify(op, err)
	}

	creds, err := a.exportCredentials(op, session, identifier)
	if err != nil {
		return nil, nil, err
	}
	if err := a.bindChild(op, session, cfg); err != nil {
		return nil, nil, err
	}

	a.logger.Debug("token login succeeded, token rotated",
		slog.String("username", cfg.Username))
	return session, creds, nil
}

func (a *Authenticator) passwordLogin(ctx context.Context, op string, cfg AuthConfig) (Session, error) {
	url := NormalizeURL(cfg.URL, cfg.AccountType, cfg.ENT)

	session, err := a.dialer.LoginWithPassword(ctx, PasswordLogin{
		URL:              url,
		Username:         cfg.Username,
		Password:         cfg.Password,
		ENT:              cfg.ENT,
		AccountPIN:       cfg.AccountPIN,
		DeviceName:       deviceName(cfg),
		ClientIdentifier: cfg.ClientIdentifier,
	})
	if err != nil {
		return nil, a.classify(op, err)
	}
	session.ForgetPIN()
	if err := a.bindChild(op, session, cfg); err != nil {
		return nil, err
	}

	a.logger.Debug("password login succeeded",
		slog.String("url", url),
		slog.String("ent", cfg.ENT))
	return session, nil
}

// exportCredentials reads the rotated token out of a fresh token session.
// Losing the rotated token would lock the account out, so a failed export
// fails the whole login.
func (a *Authenticator) exportCredentials(op string, session Session, identifier string) (*portal.Credentials, error) {
	exported, err := session.ExportCredentials()
	if err != nil {
		return nil, shared.WrapPortalError(op, shared.ErrAuthentication,
			"rotated token export failed", err)
	}
	return &portal.Credentials{
		URL:              exported.URL,
		Username:         exported.Username,
		Password:         exported.Token,
		UUID:             exported.UUID,
		ClientIdentifier: identifier,
	}, nil
}

// bindChild points a parent session at the configured child.
func (a *Authenticator) bindChild(op string, session Session, cfg AuthConfig) error {
	if cfg.AccountType != portal.AccountParent || cfg.Child == "" {
		return nil
	}
	if err := session.SelectChild(cfg.Child); err != nil {
		return shared.WrapPortalError(op, shared.ErrAuthentication,
			fmt.Sprintf("child %q not found on parent account", cfg.Child), err)
	}
	return nil
}

// classify maps a dialer failure onto the portal error taxonomy.
func (a *Authenticator) classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return shared.WrapPortalError(op, shared.ErrConnection, "login timed out", err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ErrDialNetwork) || errors.As(err, &netErr):
		return shared.WrapPortalError(op, shared.ErrConnection, "portal unreachable", err)
	case errors.Is(err, ErrDialCrypto):
		return shared.WrapPortalError(op, shared.ErrAuthentication,
			"stored token could not be decrypted", err)
	case errors.Is(err, ErrDialENT):
		return shared.WrapPortalError(op, shared.ErrAuthentication,
			"identity broker refused login", err)
	default:
		return shared.WrapPortalError(op, shared.ErrAuthentication, "login rejected", err)
	}
}

func deviceName(cfg AuthConfig) string {
	if cfg.DeviceName != "" {
		return cfg.DeviceName
	}
	return DefaultDeviceName
}
