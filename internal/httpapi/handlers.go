package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"captn/internal/apperr"
	"captn/internal/chatflow"
	"captn/internal/preferences"
	"captn/internal/storage"
)

const maxWebhookBody = 64 << 10

var errChatNotFound = apperr.New(apperr.KindNotFound, "chat not found")

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type submitRequest struct {
	Message                     string `json:"message"`
	UserRespondedWithNextAction bool   `json:"user_responded_with_next_action"`
}

type resumeRequest struct {
	Message  string `json:"msg"`
	TeamName string `json:"team_name"`
	TeamID   *int64 `json:"team_id"`
}

type sidebarRequest struct {
	Expanded *bool `json:"sidebar_expanded"`
}

func (s *Server) signup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body"), nil)
		return
	}
	sess, err := s.cfg.Auth.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	s.setSessionCookie(c, sess.Token)
	c.JSON(http.StatusCreated, gin.H{"user": toUserView(sess.User), "token": sess.Token})
}

func (s *Server) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body"), nil)
		return
	}
	sess, err := s.cfg.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	s.setSessionCookie(c, sess.Token)
	c.JSON(http.StatusOK, gin.H{"user": toUserView(sess.User), "token": sess.Token})
}

func (s *Server) logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.CookieName, "", -1, "/", "", s.cfg.SecureCookie, true)
	c.Status(http.StatusNoContent)
}

func (s *Server) setSessionCookie(c *gin.Context, token string) {
	maxAge := int(s.cfg.Auth.Tokens().TTL() / time.Second)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.cfg.CookieName, token, maxAge, "/", "", s.cfg.SecureCookie, true)
}

func (s *Server) me(c *gin.Context) {
	u, ok := s.loadUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toUserView(u))
}

func (s *Server) account(c *gin.Context) {
	u, ok := s.loadUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.cfg.Billing.Account(u))
}

func (s *Server) loadUser(c *gin.Context) (storage.User, bool) {
	u, err := s.cfg.Store.GetUser(c.Request.Context(), currentUser(c))
	if errors.Is(err, storage.ErrNotFound) {
		abortWithError(c, apperr.ErrAuthenticationRequired, nil)
		return storage.User{}, false
	}
	if err != nil {
		abortWithError(c, err, nil)
		return storage.User{}, false
	}
	return u, true
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.cfg.Store.ListChats(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	out := make([]chatView, 0, len(chats))
	for _, ch := range chats {
		out = append(out, toChatView(ch))
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (s *Server) createChat(c *gin.Context) {
	rec := &chatflow.Recorder{}
	chat, greeting, err := s.cfg.Chats.NewChat(c.Request.Context(), currentUser(c), rec)
	if err != nil {
		abortWithError(c, err, rec)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat": toChatView(chat), "turns": []turnView{toTurnView(greeting)}})
}

func (s *Server) getChat(c *gin.Context) {
	chat, ok := s.ownedChat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toChatView(chat))
}

func (s *Server) listTurns(c *gin.Context) {
	chat, ok := s.ownedChat(c)
	if !ok {
		return
	}
	turns, err := s.cfg.Store.ListTurns(c.Request.Context(), chat.ID)
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	out := make([]turnView, 0, len(turns))
	for _, t := range turns {
		out = append(out, toTurnView(t))
	}
	c.JSON(http.StatusOK, gin.H{"turns": out})
}

func (s *Server) submitTurn(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body"), nil)
		return
	}

	rec := &chatflow.Recorder{}
	out, err := s.cfg.Chats.Submit(c.Request.Context(), chatflow.Submission{
		UserID:                      currentUser(c),
		ChatID:                      chatID,
		Text:                        req.Message,
		UserRespondedWithNextAction: req.UserRespondedWithNextAction,
	}, rec)
	if err != nil {
		abortWithError(c, err, rec)
		return
	}

	resp := gin.H{"chat": toChatView(out.Chat), "user_turn": toTurnView(out.UserTurn)}
	if out.AssistantTurn != nil {
		resp["assistant_turn"] = toTurnView(*out.AssistantTurn)
	}
	c.JSON(http.StatusOK, resp)
}

// resumeTurn sends the message a user was typing before an external sign-in.
// Replays after the chat has recorded a response come back with resumed=false.
func (s *Server) resumeTurn(c *gin.Context) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, apperr.Validation("invalid request body"), nil)
		return
	}

	rec := &chatflow.Recorder{}
	out, resumed, err := s.cfg.Chats.Resume(c.Request.Context(), chatflow.Resumption{
		UserID:   currentUser(c),
		ChatID:   chatID,
		Text:     req.Message,
		TeamName: req.TeamName,
		TeamID:   req.TeamID,
	}, rec)
	if err != nil {
		abortWithError(c, err, rec)
		return
	}

	resp := gin.H{"resumed": resumed, "chat": toChatView(out.Chat)}
	if resumed {
		resp["user_turn"] = toTurnView(out.UserTurn)
	}
	if out.AssistantTurn != nil {
		resp["assistant_turn"] = toTurnView(*out.AssistantTurn)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) pendingAction(c *gin.Context) {
	chat, ok := s.ownedChat(c)
	if !ok {
		return
	}
	if msg, given := c.GetQuery("msg"); given {
		action, pending := chatflow.ResumeText(chat, msg)
		c.JSON(http.StatusOK, gin.H{"pending": pending, "action": action})
		return
	}
	selected, err := strconv.Atoi(c.Query("selected"))
	if err != nil {
		abortWithError(c, apperr.Validation("selected must be a number"), nil)
		return
	}
	action, pending := chatflow.PendingAction(chat, selected)
	c.JSON(http.StatusOK, gin.H{"pending": pending, "action": action})
}

func (s *Server) ownedChat(c *gin.Context) (storage.Chat, bool) {
	chatID, ok := chatIDParam(c)
	if !ok {
		return storage.Chat{}, false
	}
	chat, err := s.cfg.Store.GetChat(c.Request.Context(), chatID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && chat.UserID != currentUser(c)) {
		abortWithError(c, errChatNotFound, nil)
		return storage.Chat{}, false
	}
	if err != nil {
		abortWithError(c, err, nil)
		return storage.Chat{}, false
	}
	return chat, true
}

func chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abortWithError(c, apperr.Validation("invalid chat id"), nil)
		return 0, false
	}
	return id, true
}

func (s *Server) checkout(c *gin.Context) {
	u, ok := s.loadUser(c)
	if !ok {
		return
	}
	res, err := s.cfg.Billing.Checkout(c.Request.Context(), u)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", u.ID).Msg("checkout failed")
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		abortWithError(c, apperr.Validation("unreadable body"), nil)
		return
	}
	if err := s.cfg.Billing.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		s.logger.Warn().Err(err).Msg("stripe webhook rejected")
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) getSidebar(c *gin.Context) {
	p, err := s.cfg.Prefs.Get(c.Request.Context(), currentUser(c))
	if err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) putSidebar(c *gin.Context) {
	var req sidebarRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Expanded == nil {
		abortWithError(c, apperr.Validation("sidebar_expanded is required"), nil)
		return
	}
	p := preferences.Prefs{SidebarExpanded: *req.Expanded}
	if err := s.cfg.Prefs.Set(c.Request.Context(), currentUser(c), p); err != nil {
		abortWithError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, p)
}
