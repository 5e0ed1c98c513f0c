package routes

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatserver/auth"
	"chatserver/directory"
	"chatserver/errs"
	"chatserver/hub"
	"chatserver/router"
	"chatserver/store"
)

// Deps carries everything the HTTP handlers need. Wired once in main.
type Deps struct {
	Auth     *auth.Authority
	Dir      *directory.Directory
	Resolver *directory.Resolver
	Router   *router.Router
	Registry *hub.Registry
	Store    *store.Store
}

func writeError(c *gin.Context, err error) {
	code, message := errs.CodePersistenceUnavailable, "internal error"
	var e *errs.Error
	if errors.As(err, &e) {
		code, message = e.Code, e.Message
	}
	c.JSON(errs.HTTPStatus(err), gin.H{"error": gin.H{"code": code, "message": message}})
}

func SetupAPIRoutes(r *gin.Engine, d Deps) {
	api := r.Group("/api")
	{
		api.POST("/register", d.handleRegister)
		api.POST("/login", d.handleLogin)
		api.POST("/refresh", d.handleRefresh)
		api.POST("/logout", auth.Middleware(d.Auth), d.handleLogout)
		api.POST("/logout_all", auth.Middleware(d.Auth), d.handleLogoutAll)

		api.GET("/users/me", auth.Middleware(d.Auth), d.handleMe)

		api.GET("/channels", auth.Middleware(d.Auth), d.handleListChannels)
		api.POST("/channels", auth.Middleware(d.Auth), d.handleCreateChannel)
		api.POST("/channels/:id/join", auth.Middleware(d.Auth), d.handleJoinChannel)
		api.POST("/channels/:id/leave", auth.Middleware(d.Auth), d.handleLeaveChannel)
		api.POST("/channels/:id/kick", auth.Middleware(d.Auth), d.handleKick)
		api.POST("/channels/:id/mute", auth.Middleware(d.Auth), d.handleMute)
		api.POST("/channels/:id/archive", auth.Middleware(d.Auth), d.handleArchive)
		api.GET("/channels/:id/members", auth.Middleware(d.Auth), d.handleMembers)
		api.GET("/channels/:id/messages", auth.Middleware(d.Auth), d.handleChannelHistory)

		api.GET("/conversations", auth.Middleware(d.Auth), d.handleListConversations)
		api.GET("/conversations/:id/messages", auth.Middleware(d.Auth), d.handleConversationHistory)

		api.POST("/messages", auth.Middleware(d.Auth), d.handleSendMessage)
		api.PATCH("/messages/:id", auth.Middleware(d.Auth), d.handleEditMessage)
		api.DELETE("/messages/:id", auth.Middleware(d.Auth), d.handleDeleteMessage)
	}
}

func (d Deps) handleRegister(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "invalid JSON body"}})
		return
	}
	user, err := d.Auth.Register(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(201, gin.H{"user": user})
}

func (d Deps) handleLogin(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		Password  string `json:"password"`
		Interface string `json:"interface"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "invalid JSON body"}})
		return
	}
	if req.Interface == "" {
		req.Interface = "web"
	}
	pair, err := d.Auth.Authenticate(c.Request.Context(), req.Username, req.Password, req.Interface)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, pair)
}

func (d Deps) handleRefresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "refresh_token is required"}})
		return
	}
	pair, err := d.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, pair)
}

func (d Deps) handleLogout(c *gin.Context) {
	sessionID := c.GetString("sessionID")
	if err := d.Auth.Revoke(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Logged out"})
}

func (d Deps) handleLogoutAll(c *gin.Context) {
	userID := c.GetString("userID")
	if err := d.Auth.RevokeAll(c.Request.Context(), userID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "All sessions revoked"})
}

func (d Deps) handleMe(c *gin.Context) {
	user, err := d.Store.GetUser(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		writeError(c, errs.Wrap(errs.CodeNotFound, "user not found", err))
		return
	}
	c.JSON(200, gin.H{"user": user})
}

func (d Deps) handleListChannels(c *gin.Context) {
	channels, err := d.Dir.ListChannels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"channels": channels})
}

func (d Deps) handleCreateChannel(c *gin.Context) {
	var req struct {
		Name       string `json:"name"`
		IsPrivate  bool   `json:"is_private"`
		MaxMembers int    `json:"max_members"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "invalid JSON body"}})
		return
	}
	ch, err := d.Dir.CreateChannel(c.Request.Context(), c.GetString("userID"), req.Name, req.IsPrivate, req.MaxMembers)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(201, gin.H{"channel": ch})
}

func (d Deps) handleJoinChannel(c *gin.Context) {
	userID := c.GetString("userID")
	channelID := c.Param("id")
	_, membershipErr := d.Dir.Membership(c.Request.Context(), channelID, userID)
	ch, err := d.Dir.Join(c.Request.Context(), userID, channelID)
	if err != nil {
		writeError(c, err)
		return
	}
	// Announce only first joins; rejoining is a no-op.
	if errs.Is(membershipErr, errs.CodeNotMember) {
		user, err := d.Store.GetUser(c.Request.Context(), userID)
		if err == nil {
			d.Router.AnnounceMembership(c.Request.Context(), channelID, user, true)
		}
	}
	c.JSON(200, gin.H{"channel": ch})
}

func (d Deps) handleLeaveChannel(c *gin.Context) {
	userID := c.GetString("userID")
	channelID := c.Param("id")
	if err := d.Dir.Leave(c.Request.Context(), userID, channelID); err != nil {
		writeError(c, err)
		return
	}
	user, err := d.Store.GetUser(c.Request.Context(), userID)
	if err == nil {
		d.Router.AnnounceMembership(c.Request.Context(), channelID, user, false)
	}
	c.JSON(200, gin.H{"message": "Left channel"})
}

func (d Deps) handleKick(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "user_id is required"}})
		return
	}
	channelID := c.Param("id")
	if err := d.Dir.Kick(c.Request.Context(), c.GetString("userID"), channelID, req.UserID); err != nil {
		writeError(c, err)
		return
	}
	user, err := d.Store.GetUser(c.Request.Context(), req.UserID)
	if err == nil {
		d.Router.AnnounceMembership(c.Request.Context(), channelID, user, false)
	}
	c.JSON(200, gin.H{"message": "User removed"})
}

func (d Deps) handleMute(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
		Muted  *bool  `json:"muted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" || req.Muted == nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "user_id and muted are required"}})
		return
	}
	err := d.Dir.Mute(c.Request.Context(), c.GetString("userID"), c.Param("id"), req.UserID, *req.Muted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Mute updated"})
}

func (d Deps) handleArchive(c *gin.Context) {
	if err := d.Dir.Archive(c.Request.Context(), c.GetString("userID"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Channel archived"})
}

func (d Deps) handleMembers(c *gin.Context) {
	// Only members can see the roster.
	if _, err := d.Dir.Membership(c.Request.Context(), c.Param("id"), c.GetString("userID")); err != nil {
		writeError(c, err)
		return
	}
	members, err := d.Dir.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"members": members})
}

func (d Deps) handleChannelHistory(c *gin.Context) {
	d.history(c, router.Target{ChannelID: c.Param("id")})
}

func (d Deps) handleConversationHistory(c *gin.Context) {
	d.history(c, router.Target{ConversationID: c.Param("id")})
}

func (d Deps) history(c *gin.Context, target router.Target) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := d.Router.History(c.Request.Context(), c.GetString("sessionID"), target, c.Query("before"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"messages": msgs})
}

func (d Deps) handleListConversations(c *gin.Context) {
	convs, err := d.Resolver.ListFor(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"conversations": convs})
}

func (d Deps) handleSendMessage(c *gin.Context) {
	var req struct {
		Target      router.Target `json:"target"`
		Content     string        `json:"content"`
		ClientMsgID string        `json:"client_msg_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "invalid JSON body"}})
		return
	}
	m, err := d.Router.SubmitMessage(c.Request.Context(), c.GetString("sessionID"), req.Target, req.Content, req.ClientMsgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(201, gin.H{"message": m})
}

func (d Deps) handleEditMessage(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": gin.H{"code": errs.CodeMalformedTarget, "message": "invalid JSON body"}})
		return
	}
	m, err := d.Router.EditMessage(c.Request.Context(), c.GetString("sessionID"), c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": m})
}

func (d Deps) handleDeleteMessage(c *gin.Context) {
	if err := d.Router.DeleteMessage(c.Request.Context(), c.GetString("sessionID"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"message": "Message deleted"})
}
