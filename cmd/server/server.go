package server

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/expofab/portal/internal/database"
	"github.com/expofab/portal/internal/handlers"
	ws "github.com/expofab/portal/internal/websocket"
	"github.com/expofab/portal/pkg/auth"
)

// Sends allowed per session inside the sliding window.
const (
	sendRateLimit  = 30
	sendRateWindow = 10 * time.Second
)

type Server struct {
	Router     *gin.Engine
	DB         *database.Database
	Redis      *redis.Client
	JWTManager *auth.JWTManager
	Hub        *ws.Hub
}

func NewServer() *Server {
	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Info().Msg(".env not found, using environment variables")
		}
	}

	dbConn := &database.Database{}
	if err := dbConn.Connect(); err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}

	redisOpts, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}

	jwtMgr := auth.NewJWTManager(
		os.Getenv("JWT_SECRET"),
		24*time.Hour,
	)

	hub := ws.NewHub()
	limiter := ws.NewRateLimiter(sendRateLimit, sendRateWindow)
	hub.OnSessionClosed(limiter.Forget)
	go hub.Run()

	chatH := handlers.NewChatHandler(dbConn, hub, limiter, rdb)
	wsH := handlers.NewWebSocketHandler(hub, chatH)
	authH := handlers.NewAuthHandler(dbConn, jwtMgr, rdb)
	projectH := handlers.NewProjectHandler(dbConn)
	historyH := handlers.NewHistoryHandler(dbConn)
	userH := handlers.NewUserHandler(dbConn)

	router := gin.Default()
	APIEndpoints(router, jwtMgr, rdb, authH, projectH, historyH, userH, wsH)

	return &Server{
		Router:     router,
		DB:         dbConn,
		Redis:      rdb,
		JWTManager: jwtMgr,
		Hub:        hub,
	}
}
