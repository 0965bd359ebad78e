package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/internal/wsclient"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

func main() {
	wsURL := os.Getenv("CARO_WS_URL")
	token := os.Getenv("CARO_TOKEN")
	userID := os.Getenv("CARO_USER_ID")

	if wsURL == "" {
		log.Fatal("CARO_WS_URL is required")
	}
	if userID == "" {
		userID = "carocheck"
	}

	if token == "" {
		secret := os.Getenv("AUTH_JWT_SECRET")
		if secret == "" {
			log.Fatal("CARO_TOKEN or AUTH_JWT_SECRET is required")
		}
		issuer := envOr("AUTH_JWT_ISSUER", "caro")
		audience := envOr("AUTH_JWT_AUDIENCE", "caro-clients")
		var err error
		token, err = identity.NewJWTResolver(secret, issuer, audience).
			Issue(identity.Identity{UserID: userID, DisplayName: userID}, 5*time.Minute)
		if err != nil {
			log.Fatalf("mint token: %v", err)
		}
	}

	ws := wsclient.New(wsURL, wsclient.WithHeaderProvider(wsclient.BearerHeaders(token)))
	ws.OnStateChange(func(state wsclient.State) {
		log.Printf("WS state: %s", state)
	})
	ws.OnMessage(func(env carodto.Envelope) {
		fmt.Printf("WS event=%s requestId=%q payload=%s\n", env.Type, env.RequestID, env.Payload)
	})

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}

	if err := ws.SendEvent(cctx, carodto.EventCreateRoom, "check-1", carodto.CreateRoomRequest{}); err != nil {
		log.Printf("create-room send error: %v", err)
	}
	if err := ws.SendEvent(cctx, carodto.EventListRooms, "check-2", struct{}{}); err != nil {
		log.Printf("list-rooms send error: %v", err)
	}

	// Observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ws.Close(closeCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
