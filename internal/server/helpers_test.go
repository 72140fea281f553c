package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/anirate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/catalog"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/ratings"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/submissions"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/users"
	"github.com/MarcoPoloResearchLab/anirate/backend/internal/views"
	mr "github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSigningSecret = "test-signing-secret"

type stubCatalogSource struct{}

func (stubCatalogSource) FetchItem(_ context.Context, externalID int64) (catalog.ItemRef, error) {
	if externalID == 1 {
		return catalog.ItemRef{ExternalID: 1, Title: "Cowboy Bebop", Year: 1998}, nil
	}
	return catalog.ItemRef{}, catalog.ErrSourceItemNotFound
}

func (stubCatalogSource) Search(_ context.Context, query string) ([]catalog.ItemRef, error) {
	return []catalog.ItemRef{{ExternalID: 1, Title: "Cowboy Bebop " + query}}, nil
}

type testServer struct {
	handler     http.Handler
	invalidator *views.Invalidator
	dispatcher  *views.RealtimeDispatcher
	metrics     *metrics.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &catalog.Entry{}, &ratings.Rating{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	recorder := metrics.NewRecorder()
	identity, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build identity service: %v", err)
	}
	mirror, err := catalog.NewMirror(catalog.MirrorConfig{Database: db, Source: stubCatalogSource{}, Metrics: recorder})
	if err != nil {
		t.Fatalf("failed to build mirror: %v", err)
	}
	ratingService, err := ratings.NewService(ratings.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build rating service: %v", err)
	}
	redisServer, err := mr.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(redisServer.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	cache, err := views.NewRedisCache(views.RedisCacheConfig{Client: redisClient, KeyPrefix: "test:"})
	if err != nil {
		t.Fatalf("failed to build view cache: %v", err)
	}

	dispatcher := views.NewRealtimeDispatcher()
	invalidator := views.NewInvalidator(views.InvalidatorConfig{
		Inline:     []views.Sink{cache},
		Background: []views.Sink{dispatcher},
		Metrics:    recorder,
	})
	t.Cleanup(invalidator.Flush)

	coordinator, err := submissions.NewCoordinator(submissions.Config{
		Identity:    identity,
		Catalog:     mirror,
		Ratings:     ratingService,
		Cache:       cache,
		Invalidator: invalidator,
		Metrics:     recorder,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:          validator,
		Workflow:          coordinator,
		Realtime:          dispatcher,
		Metrics:           recorder,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &testServer{handler: handler, invalidator: invalidator, dispatcher: dispatcher, metrics: recorder}
}

func sessionToken(t *testing.T, subject, email string) string {
	t.Helper()
	now := time.Now()
	claims := auth.SessionClaims{
		UserID:    subject,
		UserEmail: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    auth.DefaultSessionIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
