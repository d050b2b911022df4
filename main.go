package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/amossohotra0/business-brain-backend/internal/auth"
	"github.com/amossohotra0/business-brain-backend/internal/config"
	"github.com/amossohotra0/business-brain-backend/internal/credentials"
	gmailgw "github.com/amossohotra0/business-brain-backend/internal/gmail"
	"github.com/amossohotra0/business-brain-backend/internal/mailstore"
	"github.com/amossohotra0/business-brain-backend/internal/natsjs"
	"github.com/amossohotra0/business-brain-backend/internal/notify"
	syncer "github.com/amossohotra0/business-brain-backend/internal/sync"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := mailstore.Open(filepath.Join(cfg.DataDir, "mail.db"))
	if err != nil {
		logger.WithError(err).Fatal("failed to open mail store")
	}
	defer store.Close()

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Scopes: []string{
			gmailapi.GmailReadonlyScope,
			"https://www.googleapis.com/auth/userinfo.email",
		},
		Endpoint: google.Endpoint,
	}

	creds := credentials.NewStore(store.DB, oauthCfg, logger)
	gateway := gmailgw.NewGateway(cfg.TopicName(), logger)
	distributor := notify.NewDistributor(logger)

	var publisher *natsjs.Publisher
	if cfg.NATSURL != "" {
		publisher, err = natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(); err != nil {
			logger.WithError(err).Fatal("failed to ensure NATS stream")
		}
	}

	engine := &syncer.Engine{
		Store:       store,
		Credentials: creds,
		Provider:    gateway,
		Distributor: distributor,
		Publisher:   publisher,
		Log:         logger,
	}
	manager := syncer.NewManager(engine)

	verifier, err := auth.NewVerifier(cfg.JWKSURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize JWT verifier")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go engine.DispatchOutbox(ctx)
	go engine.RenewWatches(ctx, time.Hour, 12*time.Hour)

	r := gin.Default()

	// Pub/Sub pushes carry no user token; the OAuth callback arrives from
	// the browser redirect. Everything else requires a verified JWT.
	r.POST("/gmail/webhook", webhookHandler(engine, logger))
	r.GET("/gmail/oauth2callback", oauthCallbackHandler(oauthCfg, creds, gateway, engine, logger))

	authorized := r.Group("/gmail")
	authorized.Use(auth.Middleware(verifier))

	authorized.GET("/auth", func(c *gin.Context) {
		userID := c.GetString("user_id")
		url := oauthCfg.AuthCodeURL(userID,
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
			oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		)
		c.Redirect(http.StatusFound, url)
	})

	authorized.POST("/sync", func(c *gin.Context) {
		userID := c.GetString("user_id")
		maxResults := clampInt(c.DefaultQuery("max_results", "20"), 1, 100, 20)

		report, err := manager.ManualSync(c.Request.Context(), userID, int64(maxResults))
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, credentials.ErrNotConnected):
				status = http.StatusUnauthorized
			case errors.Is(err, syncer.ErrSyncRunning):
				status = http.StatusConflict
			case errors.Is(err, gmailgw.ErrPermissionDenied):
				status = http.StatusForbidden
			case errors.Is(err, gmailgw.ErrRateLimited):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	})

	authorized.POST("/watch", func(c *gin.Context) {
		userID := c.GetString("user_id")
		w, err := engine.StartWatch(c.Request.Context(), userID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, credentials.ErrNotConnected) {
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "watch_started", "expiration": w.Expiration})
	})

	authorized.GET("/emails", func(c *gin.Context) {
		userID := c.GetString("user_id")
		limit := clampInt(c.DefaultQuery("limit", "20"), 1, 100, 20)
		offset := clampInt(c.DefaultQuery("offset", "0"), 0, 1<<30, 0)

		emails, total, unread, err := store.List(c.Request.Context(), userID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if emails == nil {
			emails = []mailstore.MailItem{}
		}
		c.JSON(http.StatusOK, gin.H{"emails": emails, "total": total, "unread_count": unread})
	})

	authorized.GET("/emails/:id", func(c *gin.Context) {
		userID := c.GetString("user_id")
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}

		// Viewing an email marks it read; the flag change event fires
		// only when the flag actually flips.
		item, err := engine.ToggleFlag(c.Request.Context(), userID, id, mailstore.FlagRead, true)
		if err != nil {
			if errors.Is(err, mailstore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, item)
	})

	authorized.POST("/emails/:id/star", func(c *gin.Context) {
		userID := c.GetString("user_id")
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid email id"})
			return
		}

		current, err := store.Get(c.Request.Context(), userID, id)
		if err != nil {
			if errors.Is(err, mailstore.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		item, err := engine.ToggleFlag(c.Request.Context(), userID, id, mailstore.FlagStarred, !current.IsStarred)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		message := "Email unstarred"
		if item.IsStarred {
			message = "Email starred"
		}
		c.JSON(http.StatusOK, gin.H{"starred": item.IsStarred, "message": message})
	})

	authorized.GET("/stream", streamHandler(distributor))

	srv := &http.Server{Addr: cfg.ServerAddr, Handler: r}

	go func() {
		logger.WithField("addr", cfg.ServerAddr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
}

// webhookHandler processes Gmail push notifications. It always acknowledges
// with 200 so the provider does not build a redelivery storm; failures are
// logged for operator visibility instead.
func webhookHandler(engine *syncer.Engine, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"status": "read_error"})
			return
		}

		report, err := engine.HandleWebhook(c.Request.Context(), body)
		if err != nil {
			logger.WithError(err).Warn("webhook processing failed")
			c.JSON(http.StatusOK, gin.H{"status": "error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "received", "report": report})
	}
}

// oauthCallbackHandler finishes the consent flow: exchanges the code, looks
// up the mailbox address, persists the credential and registers the push
// subscription.
func oauthCallbackHandler(oauthCfg *oauth2.Config, creds *credentials.Store, gateway *gmailgw.Gateway, engine *syncer.Engine, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		userID := c.Query("state")
		if code == "" || userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code and state are required"})
			return
		}

		ctx := c.Request.Context()
		tok, err := oauthCfg.Exchange(ctx, code)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "code exchange failed"})
			return
		}
		if tok.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "no refresh token received, revoke access and try again",
			})
			return
		}

		cred := &credentials.Credential{
			UserID:      userID,
			AccessToken: tok.AccessToken,
			Expiry:      tok.Expiry,
		}
		emailAddress, _, err := gateway.Profile(ctx, cred)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read gmail profile"})
			return
		}

		if err := creds.Save(ctx, userID, emailAddress, tok.RefreshToken, tok.AccessToken, tok.Expiry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Best effort: without a push subscription the mailbox still
		// works through manual sync.
		if _, err := engine.StartWatch(ctx, userID); err != nil {
			logger.WithError(err).WithField("user_id", userID).Warn("could not start gmail watch")
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"email":   emailAddress,
			"message": "Gmail connected successfully",
		})
	}
}

// streamHandler serves live change events over SSE until the client
// disconnects.
func streamHandler(distributor *notify.Distributor) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("user_id")
		session := distributor.Subscribe(userID)
		defer distributor.Unsubscribe(session)

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-session.C:
				if !ok {
					return false
				}
				c.SSEvent(ev.Kind, ev.Data)
				return true
			case <-heartbeat.C:
				c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

func clampInt(s string, min, max, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
