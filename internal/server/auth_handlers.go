package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/auth"
	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleLogin(c *gin.Context) {
	authURL, stateCookie, err := h.login.Begin()
	if err != nil {
		h.logger.Error("failed to start x login", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("login_failed", "could not start login"))
		return
	}
	http.SetCookie(c.Writer, stateCookie)
	c.Redirect(http.StatusFound, authURL)
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	http.SetCookie(c.Writer, h.login.ClearStateCookie())
	if denied := c.Query("error"); denied != "" {
		h.logger.Info("x login denied", zap.String("reason", denied))
		c.JSON(http.StatusUnauthorized, errorBody("login_denied", denied))
		return
	}

	ctx := c.Request.Context()
	profile, err := h.login.Complete(ctx, c.Request)
	if err != nil {
		h.logger.Warn("x login callback rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, errorBody("login_failed", err.Error()))
		return
	}

	identity, err := h.users.RecordLogin(ctx, users.Login{
		Provider:    users.ProviderX,
		Subject:     profile.ID,
		Handle:      profile.Username,
		DisplayName: profile.Name,
		AvatarURL:   profile.ProfileImageURL,
	})
	if err != nil {
		h.logger.Error("failed to record login", zap.Error(err), zap.String("handle", profile.Username))
		c.JSON(http.StatusInternalServerError, errorBody("login_failed", "could not record identity"))
		return
	}

	token, expiresAt, err := h.tokens.IssueSessionToken(ctx, auth.SessionIdentity{
		UserID:      identity.UserID,
		Handle:      identity.Handle,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("token_issue_failed", "could not issue session"))
		return
	}

	h.logger.Info("user signed in", zap.String("user_id", identity.UserID), zap.String("handle", identity.Handle))
	http.SetCookie(c.Writer, h.sessionCookie(token, expiresAt))
	c.Redirect(http.StatusFound, "/")
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	http.SetCookie(c.Writer, h.sessionCookie("", time.Time{}))
	if wantsHTML(c) {
		c.Redirect(http.StatusSeeOther, "/auth/login")
		return
	}
	c.Status(http.StatusNoContent)
}

// sessionCookie builds the session cookie; an empty token expires it.
func (h *httpHandler) sessionCookie(token string, expiresAt time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	if token == "" {
		cookie.MaxAge = -1
		return cookie
	}
	cookie.Expires = expiresAt
	cookie.MaxAge = int(time.Until(expiresAt).Seconds())
	return cookie
}
