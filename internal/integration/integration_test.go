//go:build integration

package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/blockvis/internal/middleware"
	"github.com/matt-riley/blockvis/internal/repository"
	"github.com/matt-riley/blockvis/internal/server"
	"github.com/matt-riley/blockvis/internal/service"
	"github.com/matt-riley/blockvis/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "blockvis_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/blockvis_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/blockvis_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func createTestProject(t *testing.T, repo *repository.PostgresRepository, suffix string) repository.Project {
	t.Helper()
	name := fmt.Sprintf("test-%s-%s", suffix, randID())
	p, err := repo.CreateProject(context.Background(), name, "integration test project")
	if err != nil {
		t.Fatalf("create test project: %v", err)
	}
	return p
}

// insertAPIKey inserts an API key directly and returns (keyID, rawSecret).
func insertAPIKey(t *testing.T, projectID string) (string, string) {
	t.Helper()
	keyID := fmt.Sprintf("key-%s", randID())
	rawSecret := fmt.Sprintf("secret-%s", randID())
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(rawSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash API key: %v", err)
	}

	if _, err := testPool.Exec(context.Background(), `
		INSERT INTO api_keys (id, project_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, projectID, "test-key", string(hashBytes)); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	return keyID, rawSecret
}

func TestBlockCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		project := createTestProject(t, repo, "create-get")

		block := repository.Block{
			ProjectID:   project.ID,
			Key:         "hero",
			BlockType:   "core/cover",
			Description: "homepage hero",
			Attributes:  json.RawMessage(`{"userRole":{"visibilityByRole":"logged-in"}}`),
		}
		created, err := repo.CreateBlock(ctx, block)
		if err != nil {
			t.Fatalf("CreateBlock: %v", err)
		}
		if created.Key != block.Key || created.BlockType != block.BlockType {
			t.Errorf("created = %+v, want key/type from %+v", created, block)
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetBlock(ctx, project.ID, block.Key)
		if err != nil {
			t.Fatalf("GetBlock: %v", err)
		}
		var attrs map[string]any
		if err := json.Unmarshal(got.Attributes, &attrs); err != nil {
			t.Fatalf("decode attributes: %v", err)
		}
		if _, ok := attrs["userRole"]; !ok {
			t.Errorf("attributes = %s, want userRole", got.Attributes)
		}
	})

	t.Run("empty attributes default to object", func(t *testing.T) {
		project := createTestProject(t, repo, "empty-attrs")
		created, err := repo.CreateBlock(ctx, repository.Block{ProjectID: project.ID, Key: "plain"})
		if err != nil {
			t.Fatalf("CreateBlock: %v", err)
		}
		if string(created.Attributes) != "{}" {
			t.Errorf("Attributes = %s, want {}", created.Attributes)
		}
	})

	t.Run("update", func(t *testing.T) {
		project := createTestProject(t, repo, "update")
		if _, err := repo.CreateBlock(ctx, repository.Block{ProjectID: project.ID, Key: "promo"}); err != nil {
			t.Fatalf("CreateBlock: %v", err)
		}

		updated, err := repo.UpdateBlock(ctx, repository.Block{
			ProjectID:  project.ID,
			Key:        "promo",
			Attributes: json.RawMessage(`{"hideBlock":true}`),
		})
		if err != nil {
			t.Fatalf("UpdateBlock: %v", err)
		}
		if !bytes.Contains(updated.Attributes, []byte("hideBlock")) {
			t.Errorf("Attributes = %s, want hideBlock", updated.Attributes)
		}
		if updated.UpdatedAt.Before(updated.CreatedAt) {
			t.Errorf("UpdatedAt %v before CreatedAt %v", updated.UpdatedAt, updated.CreatedAt)
		}
	})

	t.Run("update nonexistent returns ErrNoRows", func(t *testing.T) {
		project := createTestProject(t, repo, "update-missing")
		_, err := repo.UpdateBlock(ctx, repository.Block{ProjectID: project.ID, Key: "nope"})
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("UpdateBlock error = %v, want ErrNoRows", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		project := createTestProject(t, repo, "delete")
		if _, err := repo.CreateBlock(ctx, repository.Block{ProjectID: project.ID, Key: "gone"}); err != nil {
			t.Fatalf("CreateBlock: %v", err)
		}
		if err := repo.DeleteBlock(ctx, project.ID, "gone"); err != nil {
			t.Fatalf("DeleteBlock: %v", err)
		}
		if _, err := repo.GetBlock(ctx, project.ID, "gone"); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("GetBlock after delete error = %v, want ErrNoRows", err)
		}
		if err := repo.DeleteBlock(ctx, project.ID, "gone"); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("second DeleteBlock error = %v, want ErrNoRows", err)
		}
	})

	t.Run("list by project", func(t *testing.T) {
		project := createTestProject(t, repo, "list")
		for _, key := range []string{"b", "a", "c"} {
			if _, err := repo.CreateBlock(ctx, repository.Block{ProjectID: project.ID, Key: key}); err != nil {
				t.Fatalf("CreateBlock(%s): %v", key, err)
			}
		}

		blocks, err := repo.ListBlocksByProject(ctx, project.ID)
		if err != nil {
			t.Fatalf("ListBlocksByProject: %v", err)
		}
		if len(blocks) != 3 || blocks[0].Key != "a" || blocks[2].Key != "c" {
			t.Fatalf("blocks = %+v, want a, b, c", blocks)
		}
	})
}

func TestSettings(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	project := createTestProject(t, repo, "settings")

	if _, err := repo.GetSettings(ctx, project.ID); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("GetSettings before put error = %v, want ErrNoRows", err)
	}

	first, err := repo.PutSettings(ctx, repository.Settings{
		ProjectID: project.ID,
		Document:  json.RawMessage(`{"full_control_mode":true}`),
	})
	if err != nil {
		t.Fatalf("PutSettings: %v", err)
	}

	second, err := repo.PutSettings(ctx, repository.Settings{
		ProjectID: project.ID,
		Document:  json.RawMessage(`{"disabled_block_types":["core/gallery"]}`),
	})
	if err != nil {
		t.Fatalf("second PutSettings: %v", err)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v then %v", first.UpdatedAt, second.UpdatedAt)
	}

	got, err := repo.GetSettings(ctx, project.ID)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if bytes.Contains(got.Document, []byte("full_control_mode")) {
		t.Errorf("settings = %s, want replaced document", got.Document)
	}
	if !bytes.Contains(got.Document, []byte("core/gallery")) {
		t.Errorf("settings = %s, want disabled block types", got.Document)
	}
}

func TestBlockEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("publish and list since", func(t *testing.T) {
		project := createTestProject(t, repo, "events")

		var ids []int64
		for _, key := range []string{"a", "b", ""} {
			eventType := "updated"
			if key == "" {
				eventType = "settings_updated"
			}
			event, err := repo.PublishBlockEvent(ctx, repository.BlockEvent{
				ProjectID: project.ID,
				BlockKey:  key,
				EventType: eventType,
				Payload:   json.RawMessage(`{"n":1}`),
			})
			if err != nil {
				t.Fatalf("PublishBlockEvent: %v", err)
			}
			ids = append(ids, event.EventID)
		}

		all, err := repo.ListEventsSince(ctx, project.ID, 0)
		if err != nil {
			t.Fatalf("ListEventsSince: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(all))
		}

		after, err := repo.ListEventsSince(ctx, project.ID, ids[0])
		if err != nil {
			t.Fatalf("ListEventsSince(%d): %v", ids[0], err)
		}
		if len(after) != 2 || after[0].EventID != ids[1] {
			t.Fatalf("events after %d = %+v", ids[0], after)
		}

		keyed, err := repo.ListEventsSinceForKey(ctx, project.ID, 0, "b")
		if err != nil {
			t.Fatalf("ListEventsSinceForKey: %v", err)
		}
		if len(keyed) != 1 || keyed[0].BlockKey != "b" {
			t.Fatalf("keyed events = %+v, want only b", keyed)
		}
	})

	t.Run("invalidation is delivered over LISTEN/NOTIFY", func(t *testing.T) {
		project := createTestProject(t, repo, "notify")

		listenCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		invalidations, err := repo.SubscribeBlockInvalidation(listenCtx)
		if err != nil {
			t.Fatalf("SubscribeBlockInvalidation: %v", err)
		}

		deadline := time.After(10 * time.Second)
		for {
			if _, err := repo.PublishBlockEvent(ctx, repository.BlockEvent{
				ProjectID: project.ID,
				BlockKey:  "hero",
				EventType: "updated",
			}); err != nil {
				t.Fatalf("PublishBlockEvent: %v", err)
			}
			select {
			case <-invalidations:
				return
			case <-time.After(200 * time.Millisecond):
			case <-deadline:
				t.Fatal("no invalidation received")
			}
		}
	})
}

func TestAPIKeyValidation(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	project := createTestProject(t, repo, "api-keys")

	t.Run("created key validates", func(t *testing.T) {
		keyID, secret, err := repo.CreateAPIKey(ctx, project.ID, "")
		if err != nil {
			t.Fatalf("CreateAPIKey: %v", err)
		}

		validator := middleware.NewAPIKeyValidator(repo)
		principal, err := validator.ValidateToken(ctx, keyID+"."+secret)
		if err != nil {
			t.Fatalf("ValidateToken: %v", err)
		}
		if principal.ProjectID != project.ID || principal.APIKeyID != keyID {
			t.Fatalf("principal = %+v, want project %s key %s", principal, project.ID, keyID)
		}

		if _, err := validator.ValidateToken(ctx, keyID+".wrong"); err == nil {
			t.Fatal("ValidateToken with wrong secret succeeded")
		}
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		keyID, _ := insertAPIKey(t, project.ID)
		if err := repo.RevokeAPIKey(ctx, project.ID, keyID); err != nil {
			t.Fatalf("RevokeAPIKey: %v", err)
		}
		if _, _, err := repo.ValidateAPIKey(ctx, keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("ValidateAPIKey after revoke error = %v, want ErrNoRows", err)
		}
		if err := repo.RevokeAPIKey(ctx, project.ID, keyID); !errors.Is(err, pgx.ErrNoRows) {
			t.Fatalf("second RevokeAPIKey error = %v, want ErrNoRows", err)
		}

		keys, err := repo.ListAPIKeys(ctx, project.ID)
		if err != nil {
			t.Fatalf("ListAPIKeys: %v", err)
		}
		for _, k := range keys {
			if k.ID == keyID {
				t.Fatalf("revoked key %s still listed", keyID)
			}
		}
	})
}

func TestProjectScoping(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()
	a := createTestProject(t, repo, "scope-a")
	b := createTestProject(t, repo, "scope-b")

	for _, p := range []repository.Project{a, b} {
		if _, err := repo.CreateBlock(ctx, repository.Block{ProjectID: p.ID, Key: "shared"}); err != nil {
			t.Fatalf("CreateBlock(%s): %v", p.ID, err)
		}
	}

	if err := repo.DeleteBlock(ctx, a.ID, "shared"); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}
	if _, err := repo.GetBlock(ctx, b.ID, "shared"); err != nil {
		t.Fatalf("block in other project affected by delete: %v", err)
	}

	if _, err := repo.PublishBlockEvent(ctx, repository.BlockEvent{ProjectID: a.ID, BlockKey: "shared", EventType: "deleted"}); err != nil {
		t.Fatalf("PublishBlockEvent: %v", err)
	}
	events, err := repo.ListEventsSince(ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("project b sees %d events from project a", len(events))
	}
}

// TestRenderEndToEnd drives the HTTP API against a real database: an
// authenticated client stores blocks, then renders them for a visitor.
func TestRenderEndToEnd(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	project := createTestProject(t, repo, "e2e")
	keyID, secret := insertAPIKey(t, project.ID)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.New(ctx, repo, service.WithLogger(logger))
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	auth := middleware.NewAuthenticator(middleware.NewAPIKeyValidator(repo))
	ts := httptest.NewServer(auth.HTTP(server.NewHTTPHandler(svc)))
	defer ts.Close()

	token := keyID + "." + secret
	do := func(method, path, body string) *http.Response {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, method, ts.URL+path, bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	for _, body := range []string{
		`{"key":"members","attributes":{"userRole":{"visibilityByRole":"logged-in"}}}`,
		`{"key":"hidden","attributes":{"hideBlock":true}}`,
	} {
		if resp := do(http.MethodPost, "/v1/blocks", body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create block status = %d, want %d", resp.StatusCode, http.StatusCreated)
		}
	}
	if resp := do(http.MethodPost, "/v1/blocks", `{"key":"hidden"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	render := func(user string) map[string]bool {
		t.Helper()
		resp := do(http.MethodPost, "/v1/render", `{"keys":["members","hidden","unknown"],"user":`+user+`}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("render status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		var out struct {
			Results []service.RenderResult `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode render response: %v", err)
		}
		visible := make(map[string]bool, len(out.Results))
		for _, r := range out.Results {
			visible[r.Key] = r.Visible
		}
		return visible
	}

	anon := render(`{"logged_in":false}`)
	if anon["members"] || anon["hidden"] || !anon["unknown"] {
		t.Fatalf("anonymous render = %v, want only unknown visible", anon)
	}
	member := render(`{"logged_in":true,"roles":["subscriber"]}`)
	if !member["members"] || member["hidden"] {
		t.Fatalf("member render = %v, want members visible and hidden hidden", member)
	}

	entries, err := repo.ListAuditLog(ctx, project.ID, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Action != "block.create" || e.APIKeyID != keyID {
			t.Fatalf("audit entry = %+v, want block.create by %s", e, keyID)
		}
	}

	unauth, err := http.Post(ts.URL+"/v1/render", "application/json", bytes.NewBufferString(`{"keys":["members"]}`))
	if err != nil {
		t.Fatalf("unauthenticated render: %v", err)
	}
	defer unauth.Body.Close()
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", unauth.StatusCode, http.StatusUnauthorized)
	}
}
