package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandsec/strand/internal/channel"
	"github.com/strandsec/strand/internal/model"
	"github.com/strandsec/strand/internal/store"
	"github.com/strandsec/strand/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleClientChannel upgrades an authenticated client to its websocket
// session. The token identifies the client row; the subject is derived from
// the client's identity so condition evaluation sees the right provider.
func HandleClientChannel(deps channel.Deps, st *store.Store, tokens *TokenSigner, sink telemetry.Sink, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := tokens.Verify(r.URL.Query().Get("token"), time.Now())
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		ctx := r.Context()
		client, err := st.ClientByID(ctx, tok.ID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusUnauthorized
			}
			WriteJSON(w, status, map[string]string{"error": "unknown client"})
			return
		}
		ident, err := st.IdentityByID(ctx, client.IdentityID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusUnauthorized
			}
			WriteJSON(w, status, map[string]string{"error": "unknown identity"})
			return
		}
		subject := model.Subject{
			AccountID:  client.AccountID,
			ActorID:    client.ActorID,
			IdentityID: ident.ID,
			ProviderID: ident.ProviderID,
			ExpiresAt:  tok.ExpiresAt,
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("[api] client upgrade: %v", err)
			return
		}

		sock := channel.NewSocket(conn, logger)
		sess := channel.NewClientSession(deps, client, subject, sock)
		if err := sess.Join(ctx); err != nil {
			logger.Printf("[api] client %s join: %v", client.ID, err)
			conn.Close()
			return
		}
		if sink != nil {
			sink.Session(telemetry.SessionEvent{Kind: telemetry.SessionClient, AccountID: client.AccountID, Joined: true})
			defer sink.Session(telemetry.SessionEvent{Kind: telemetry.SessionClient, AccountID: client.AccountID})
		}
		runSession(ctx, sock, sess.Run)
	}
}

// HandleGatewayChannel upgrades an authenticated gateway.
func HandleGatewayChannel(deps channel.Deps, st *store.Store, tokens *TokenSigner, sink telemetry.Sink, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, err := tokens.Verify(r.URL.Query().Get("token"), time.Now())
		if err != nil {
			WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		ctx := r.Context()
		gateway, err := st.GatewayByID(ctx, tok.ID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, store.ErrNotFound) {
				status = http.StatusUnauthorized
			}
			WriteJSON(w, status, map[string]string{"error": "unknown gateway"})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Printf("[api] gateway upgrade: %v", err)
			return
		}

		sock := channel.NewSocket(conn, logger)
		sess := channel.NewGatewaySession(deps, gateway, sock)
		if err := sess.Join(ctx); err != nil {
			logger.Printf("[api] gateway %s join: %v", gateway.ID, err)
			conn.Close()
			return
		}
		if sink != nil {
			sink.Session(telemetry.SessionEvent{Kind: telemetry.SessionGateway, AccountID: gateway.AccountID, Joined: true})
			defer sink.Session(telemetry.SessionEvent{Kind: telemetry.SessionGateway, AccountID: gateway.AccountID})
		}
		runSession(ctx, sock, sess.Run)
	}
}

// runSession bridges socket reads into the session's mailbox loop. The
// select on sessDone keeps the read goroutine from blocking forever once
// the session loop has exited.
func runSession(ctx context.Context, sock *channel.Socket, run func(context.Context, <-chan channel.Message)) {
	msgs := make(chan channel.Message, 64)
	sessDone := make(chan struct{})
	go func() {
		defer close(sessDone)
		run(ctx, msgs)
	}()
	sock.Run(ctx, func(m channel.Message) {
		select {
		case msgs <- m:
		case <-sessDone:
		}
	})
	close(msgs)
	<-sessDone
}
