package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/couchbaselabs/couchbase-fhir-ce/internal/config"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/group"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/kvfetch"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/resource"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/rest"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/search"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/fhirengine/write"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/fhirerr"
	appmiddleware "github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/middleware"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/smartauth"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/smartauth/keys"
	"github.com/couchbaselabs/couchbase-fhir-ce/internal/platform/store"
)

// baseResourceTypes is the set of collections the provision command creates
// out of the box. A deployment can extend this list with implementation
// guide-specific resource types without code changes; provisioning is
// additive and idempotent (see store.Gateway.Provision).
var baseResourceTypes = []string{
	"Patient", "Practitioner", "PractitionerRole", "Organization", "Encounter",
	"Observation", "Condition", "Procedure", "MedicationRequest", "MedicationStatement",
	"AllergyIntolerance", "Immunization", "DiagnosticReport", "DocumentReference",
	"CarePlan", "CareTeam", "Coverage", "Claim", "ExplanationOfBenefit",
	"Location", "Device", "Group", "RelatedPerson", "Consent", "Provenance",
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-server",
		Short: "Couchbase FHIR server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(provisionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// provisionCmd creates the Admin/Resources scopes, one collection per
// resource type, and (when the store is configured for native FTS) one
// search index per collection — the external step store.Gateway.Provision
// leaves to deployment tooling rather than doing implicitly on every boot.
func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create scopes, collections, and search indexes for the FHIR bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			gw, err := store.Open(ctx, storeConfig(cfg), logger)
			if err != nil {
				return fmt.Errorf("connecting to store: %w", err)
			}
			defer gw.Close()

			if err := gw.Provision(ctx, baseResourceTypes); err != nil {
				return fmt.Errorf("provisioning bucket: %w", err)
			}
			fmt.Printf("Provisioned %d resource-type collections in bucket %q.\n", len(baseResourceTypes), cfg.StoreBucket)
			return nil
		},
	}
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		ConnectionString: cfg.StoreConnectionString,
		Bucket:           cfg.StoreBucket,
		Username:         cfg.StoreUsername,
		Password:         cfg.StorePassword,
		UseNativeFTS:     cfg.StoreUseNativeFTS,
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	gw, err := store.Open(ctx, storeConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer gw.Close()
	logger.Info().Str("bucket", cfg.StoreBucket).Msg("connected to store")

	signingKey, err := keys.NewHolder(gw).Load(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load SMART signing key")
	}
	logger.Info().Str("kid", signingKey.KID).Msg("loaded authorization server signing key")

	// Domain engine components: the write pipeline funnels every mutation,
	// the search stack resolves and executes FHIR search queries, and the
	// group/kv-fetch services support bulk membership and hydration.
	resolver := search.NewResolver(search.BaseSearchParameters(), nil)
	preprocessor := search.NewPreprocessor(resolver)
	searchSvc := search.NewService(gw)
	kvFetchSvc := kvfetch.NewService(gw)
	groupSvc := group.NewService(searchSvc, kvFetchSvc, resolver)
	pipeline := write.NewPipeline(gw)

	// Authorization server: RS256-signed OAuth2 authorization-code + PKCE
	// flow, client-credentials grant, and the revocation/introspection
	// surface, all backed by the signing key just loaded from the store.
	smartServer := smartauth.NewSMARTServer(cfg.Issuer(), signingKey)
	if cfg.AdminUIClientID != "" {
		if err := smartServer.RegisterClient(&smartauth.SMARTClient{
			ClientID:     cfg.AdminUIClientID,
			ClientSecret: cfg.AdminUIClientSecret,
			Scope:        cfg.AdminDefaultScopes,
			Name:         "Admin UI",
			IsPublic:     cfg.AdminUIClientSecret == "",
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to register admin UI client")
		}
	}
	smartServer.SetPatientLister(func(ctx context.Context) ([]smartauth.PickerPatient, error) {
		const pickerSampleSize = 50
		page, err := searchSvc.Search(ctx, "Patient", search.Fragment{Op: "exists", Field: "resourceType"}, 0, pickerSampleSize)
		if err != nil {
			return nil, err
		}
		keys := make([]string, len(page.Results))
		for i, r := range page.Results {
			keys[i] = r.Key
		}
		docs, err := kvFetchSvc.FetchKeys(ctx, keys)
		if err != nil {
			return nil, err
		}
		patients := make([]smartauth.PickerPatient, 0, len(docs))
		for _, doc := range docs {
			patients = append(patients, smartauth.PickerPatient{ID: resource.ID(doc), Name: patientDisplayName(doc)})
		}
		return patients, nil
	})

	smartHandler := smartauth.NewSMARTHandler(smartServer)
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	smartServer.StartCleanup(cleanupCtx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = fhirerr.HTTPErrorHandler

	e.Use(appmiddleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(appmiddleware.Logger(logger))
	e.Use(appmiddleware.SecurityHeaders())
	e.Use(appmiddleware.Sanitize())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Match"},
	}))
	e.Use(appmiddleware.BodyLimit("2MB", "20MB"))
	e.Use(appmiddleware.RequestTimeout(30 * time.Second))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// The JWKS and .well-known discovery documents are public and change
	// only when the signing key or client registry does, so they carry a
	// long-lived public ETag rather than being regenerated on every hit.
	discoveryCache := appmiddleware.ETagMiddleware(appmiddleware.CacheConfig{
		MaxAge:             3600,
		Private:            false,
		VaryHeaders:        []string{"Accept"},
		ETagEnabled:        true,
		ConditionalEnabled: true,
	})

	// Authorization server routes: /oauth2/*, the login/picker/consent
	// pages, and the .well-known discovery documents.
	smartHandler.RegisterRoutes(e, discoveryCache)

	admin := e.Group("/admin")
	admin.Use(smartauth.JWTMiddleware(smartauth.JWTConfig{
		Issuer:  cfg.Issuer(),
		JWKSURL: cfg.Issuer() + "/oauth2/jwks",
	}))
	smartauth.RegisterRevocationRoutes(admin, smartServer.RevocationStore())

	// Per-client tiered quotas (free/starter/professional/enterprise), on
	// top of the flat per-IP token bucket below, keyed off the client_id
	// JWTMiddleware/DevAuthMiddleware set on the echo context.
	clientLimiter := appmiddleware.NewClientRateLimiter()
	rateLimitAdmin := admin.Group("", smartauth.RequireRole("admin"))
	appmiddleware.NewRateLimitHandler(clientLimiter).RegisterRoutes(rateLimitAdmin)
	cleanupInterval := 10 * time.Minute
	go clientLimiter.StartCleanup(cleanupCtx, cleanupInterval)

	fhirGroup := e.Group("/fhir")
	rateLimitCfg := appmiddleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = appmiddleware.DefaultRateLimitConfig()
	}
	fhirGroup.Use(appmiddleware.RateLimit(rateLimitCfg))
	fhirGroup.Use(appmiddleware.ClientRateLimitMiddleware(clientLimiter))
	fhirGroup.Use(appmiddleware.Audit(logger))
	if cfg.IsDev() {
		fhirGroup.Use(smartauth.DevAuthMiddleware())
	} else {
		fhirGroup.Use(smartauth.JWTMiddleware(smartauth.JWTConfig{
			Issuer:  cfg.Issuer(),
			JWKSURL: cfg.Issuer() + "/oauth2/jwks",
		}))
	}
	fhirGroup.Use(smartauth.FHIRScopeMiddleware())

	restHandler := rest.New(pipeline, searchSvc, kvFetchSvc, groupSvc, resolver, preprocessor, logger)
	restHandler.RegisterRoutes(fhirGroup)

	go func() {
		addr := ":" + cfg.Port
		var err error
		if cfg.TLSEnabled {
			logger.Info().Str("addr", addr).Msg("starting server with TLS")
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			logger.Info().Str("addr", addr).Msg("starting server")
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// patientDisplayName renders the first HumanName on a Patient resource for
// the picker page, preferring name.text and falling back to given+family.
func patientDisplayName(doc resource.Doc) string {
	names, _ := doc["name"].([]interface{})
	if len(names) == 0 {
		return resource.ID(doc)
	}
	name, ok := names[0].(map[string]interface{})
	if !ok {
		return resource.ID(doc)
	}
	if text, ok := name["text"].(string); ok && text != "" {
		return text
	}

	var given string
	if givenList, ok := name["given"].([]interface{}); ok && len(givenList) > 0 {
		if g, ok := givenList[0].(string); ok {
			given = g
		}
	}
	family, _ := name["family"].(string)
	switch {
	case given != "" && family != "":
		return given + " " + family
	case family != "":
		return family
	case given != "":
		return given
	default:
		return resource.ID(doc)
	}
}
