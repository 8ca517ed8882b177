package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
)

func stubTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunLedgerdStartsAndServes(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ADDR", ":0")

	var captured *http.Server
	listen := func(server *http.Server) error {
		captured = server
		return nil
	}
	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("redis down")
	}
	loopsStarted := false
	startLoops := func(ctx context.Context, s *Server) { loopsStarted = true }

	err := runLedgerd(stubTelemetry, nil, openRedis, listen, startLoops)
	if err != nil {
		t.Fatalf("runLedgerd: %v", err)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("server never built")
	}
	if !loopsStarted {
		t.Fatal("background loops not started")
	}
}

func TestRunLedgerdTelemetryFailure(t *testing.T) {
	bad := func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("collector unreachable")
	}
	if err := runLedgerd(bad, nil, nil, nil, nil); err == nil {
		t.Fatal("expected telemetry init error")
	}
}

func TestRunLedgerdAuthOffRequiresOptIn(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")

	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("redis down")
	}
	err := runLedgerd(stubTelemetry, nil, openRedis, func(*http.Server) error { return nil }, nil)
	if err == nil {
		t.Fatal("expected AUTH_MODE=off rejection")
	}
}

func TestRunLedgerdMissingListen(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")

	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("redis down")
	}
	if err := runLedgerd(stubTelemetry, nil, openRedis, nil, nil); err == nil {
		t.Fatal("expected error when listen fn is nil")
	}
}

func TestBuildAnchorMediaWebhookParsing(t *testing.T) {
	t.Setenv("ANCHOR_KAFKA_BROKERS", "")
	t.Setenv("ANCHOR_WEBHOOKS", "official_gazette=dou=https://gazette.example/anchors,transparency_portal=portal=https://portal.example/anchors")
	media, err := buildAnchorMedia(nil)
	if err != nil {
		t.Fatalf("buildAnchorMedia: %v", err)
	}
	if len(media) != 2 {
		t.Fatalf("media count = %d, want 2", len(media))
	}
	if media[0].Category() != "official_gazette" || media[1].Category() != "transparency_portal" {
		t.Fatalf("categories = %s, %s", media[0].Category(), media[1].Category())
	}
}

func TestBuildAnchorMediaBadWebhookEntry(t *testing.T) {
	t.Setenv("ANCHOR_KAFKA_BROKERS", "")
	t.Setenv("ANCHOR_WEBHOOKS", "brokenentry")
	if _, err := buildAnchorMedia(nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildSignerRegistryVaultRequiresAddr(t *testing.T) {
	t.Setenv("SIGNER_REGISTRY_PROVIDER", "vault")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	if _, err := buildSignerRegistry(nil); err == nil {
		t.Fatal("expected vault config error")
	}
}

func TestBuildSignerRegistryDisabled(t *testing.T) {
	t.Setenv("SIGNER_REGISTRY_PROVIDER", "none")
	ks, err := buildSignerRegistry(nil)
	if err != nil {
		t.Fatalf("buildSignerRegistry: %v", err)
	}
	if ks != nil {
		t.Fatal("expected nil keystore when disabled")
	}
}
