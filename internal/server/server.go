// Package server assembles the message log from its configuration.
//
// A Server owns every long-lived component: the signing key provider, the
// trust provider and OCSP cache, the signature builder and verifier, the
// record store, the archive worker and the retriever. Callers sign, verify,
// store and archive through it; deciding when to do so is left to them.
//
// # HTTP Endpoints
//
// When metrics are enabled the server listens on the configured address:
//
//   - GET /health  - Liveness probe
//   - GET /ready   - Readiness probe (pings the record store)
//   - GET /metrics - Prometheus metrics
package server

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-msglog/internal/config"
	"github.com/sirosfoundation/go-msglog/internal/keystore"
	"github.com/sirosfoundation/go-msglog/internal/metrics"
	"github.com/sirosfoundation/go-msglog/internal/storage/memory"
	"github.com/sirosfoundation/go-msglog/internal/storage/mongodb"
	"github.com/sirosfoundation/go-msglog/internal/storage/s3sink"
	"github.com/sirosfoundation/go-msglog/pkg/archive"
	"github.com/sirosfoundation/go-msglog/pkg/asic"
	"github.com/sirosfoundation/go-msglog/pkg/compression"
	"github.com/sirosfoundation/go-msglog/pkg/hashchain"
	"github.com/sirosfoundation/go-msglog/pkg/record"
	"github.com/sirosfoundation/go-msglog/pkg/security"
	"github.com/sirosfoundation/go-msglog/pkg/signature"
)

// Server is the assembled message log
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	httpSrv   *http.Server
	keystore  keystore.SignerProvider
	store     record.Store
	mongo     *mongodb.Store
	sink      archive.Sink
	trust     *security.StaticTrustProvider
	ocsp      *security.OCSPVerifier
	source    security.OCSPSource
	builder   *signature.Builder
	verifier  *signature.Verifier
	worker    *archive.Worker
	retriever *asic.Retriever
	metrics   *metrics.Recorder
}

// New creates the components described by cfg. The archive worker is not
// started until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics.NewRecorder(),
	}

	ks, err := keystore.NewProvider(&cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("initializing keystore: %w", err)
	}
	s.keystore = ks

	if err := s.initTrust(); err != nil {
		s.keystore.Close()
		return nil, err
	}
	if err := s.initSignatures(); err != nil {
		s.keystore.Close()
		return nil, err
	}
	if err := s.initStorage(ctx); err != nil {
		s.keystore.Close()
		return nil, err
	}
	if err := s.initArchive(ctx); err != nil {
		s.closeStore(ctx)
		s.keystore.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET "+cfg.Metrics.Metrics.Path, s.metrics.Handler())
	s.httpSrv = &http.Server{
		Addr:              cfg.Metrics.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) initTrust() error {
	s.trust = security.NewStaticTrustProvider()
	if f := s.config.Trust.AnchorsFile; f != "" {
		certs, err := security.LoadCertificates(f)
		if err != nil {
			return fmt.Errorf("loading trust anchors: %w", err)
		}
		for _, c := range certs {
			s.trust.AddTrustAnchor(c)
		}
	}
	if f := s.config.Trust.IntermediatesFile; f != "" {
		certs, err := security.LoadCertificates(f)
		if err != nil {
			return fmt.Errorf("loading intermediates: %w", err)
		}
		for _, c := range certs {
			s.trust.AddIntermediate(c)
		}
	}
	for caFile, responderFile := range s.config.Trust.ResponderFiles {
		issuers, err := security.LoadCertificates(caFile)
		if err != nil {
			return fmt.Errorf("loading OCSP issuer: %w", err)
		}
		responders, err := security.LoadCertificates(responderFile)
		if err != nil {
			return fmt.Errorf("loading OCSP responders: %w", err)
		}
		for _, issuer := range issuers {
			for _, r := range responders {
				s.trust.AddOCSPResponder(issuer, r)
			}
		}
	}
	s.logger.Info("loaded trust provider",
		"anchors", len(s.trust.TrustAnchors()),
		"intermediates", len(s.trust.Intermediates()))
	return nil
}

func (s *Server) initSignatures() error {
	digest, err := config.DigestHash(s.config.Signing.DigestMethod)
	if err != nil {
		return err
	}
	s.ocsp = security.NewOCSPVerifier(s.trust,
		security.WithFreshness(s.config.OCSP.Freshness()),
		security.WithVerifyNextUpdate(s.config.OCSP.VerifyNextUpdate),
		security.WithOCSPLogger(s.logger))
	if err := s.metrics.RegisterOCSPCache(s.ocsp.Cache()); err != nil {
		return fmt.Errorf("registering OCSP cache metrics: %w", err)
	}

	builderOpts := []signature.Option{
		signature.WithDigestMethod(digest),
		signature.WithLogger(s.logger),
	}
	if id := s.config.Signing.PolicyID; id != "" {
		builderOpts = append(builderOpts, signature.WithPolicy(id, nil))
	}
	s.builder = signature.NewBuilder(builderOpts...)

	verifierOpts := []signature.VerifierOption{signature.WithVerifierLogger(s.logger)}
	if id := s.config.Signing.PolicyID; id != "" {
		verifierOpts = append(verifierOpts, signature.WithExpectedPolicy(id))
	}
	if url := s.config.Trust.AuthZENURL; url != "" {
		verifierOpts = append(verifierOpts,
			signature.WithCertificateValidator(security.NewAuthZENTrustValidator(url)))
		s.logger.Info("validating certificates through AuthZEN", "pdp", url)
	}
	if s.config.OCSP.Fetch {
		s.source = security.NewHTTPOCSPSource(nil, s.config.OCSP.FetchTimeout)
		verifierOpts = append(verifierOpts, signature.WithOCSPSource(s.source))
	}
	s.verifier = signature.NewVerifier(s.trust, s.ocsp, verifierOpts...)
	return nil
}

func (s *Server) initStorage(ctx context.Context) error {
	switch s.config.Storage.Type {
	case "mongodb":
		mc := s.config.Storage.MongoDB
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:            mc.URI,
			Database:       mc.Database,
			Collection:     mc.Collection,
			GridFSBucket:   mc.GridFS.BucketName,
			ChunkSizeBytes: int32(mc.GridFS.ChunkSizeBytes),
		})
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		s.mongo = store
		s.store = store
	default:
		s.store = memory.NewStore()
	}
	s.logger.Info("initialized record store", "type", s.config.Storage.Type)
	return nil
}

func (s *Server) initArchive(ctx context.Context) error {
	ac := s.config.Archive
	switch ac.Sink {
	case "s3":
		sink, err := s3sink.New(ctx, s3sink.Config{
			Bucket:       ac.S3.Bucket,
			Prefix:       ac.S3.Prefix,
			Region:       ac.S3.Region,
			Endpoint:     ac.S3.Endpoint,
			UsePathStyle: ac.S3.UsePathStyle,
			StorageClass: ac.S3.StorageClass,
		})
		if err != nil {
			return fmt.Errorf("initializing S3 sink: %w", err)
		}
		s.sink = sink
	case "gridfs":
		if s.mongo == nil {
			return errors.New("gridfs sink requires the mongodb store")
		}
		s.sink = s.mongo.Sink()
	default:
		sink, err := archive.NewDirSink(ac.Dir)
		if err != nil {
			return fmt.Errorf("initializing archive directory: %w", err)
		}
		s.sink = sink
	}

	comp := compression.NewCompressor()
	if ac.CompressionLevel != 0 {
		comp = compression.NewCompressorWithLevel(ac.CompressionLevel)
	}
	codec := asic.NewCodec(asic.WithCompressor(comp))
	s.retriever = asic.NewRetriever(s.store, codec, s.logger)

	linkDigest, err := config.DigestHash(ac.LinkDigest)
	if err != nil {
		return err
	}
	retry := ac.Retry.Policy()
	retry.Logger = s.logger
	opts := []archive.WriterOption{
		archive.WithLinkDigest(linkDigest),
		archive.WithRetryPolicy(retry),
		archive.WithObserver(s.metrics),
		archive.WithWriterLogger(s.logger),
	}
	if enc := ac.Encryption; enc.Enabled {
		keys := keystore.NewGroupKeys(enc.RecipientKeys, enc.PrivateKeys)
		if _, err := keys.PublicKey(enc.Group); err != nil {
			return fmt.Errorf("loading archive recipient key: %w", err)
		}
		opts = append(opts, archive.WithEncryption(keys.Encryptor(), enc.Group))
		if _, ok := enc.PrivateKeys[enc.Group]; ok {
			opts = append(opts, archive.WithRecoveryDecryptor(keys.Decryptor()))
		}
	}

	cache := archive.NewCache(codec,
		archive.WithMaxArchiveSize(ac.MaxSize),
		archive.WithCacheCompressor(comp))
	writer := archive.NewWriter(s.config.Instance, s.store, s.sink, cache, opts...)
	s.worker = archive.NewWorker(writer, ac.QueueSize)
	s.logger.Info("initialized archive",
		"sink", ac.Sink,
		"max_size", ac.MaxSize,
		"encrypted", ac.Encryption.Enabled)
	return nil
}

// Store returns the record store.
func (s *Server) Store() record.Store { return s.store }

// Archive returns the archive worker.
func (s *Server) Archive() *archive.Worker { return s.worker }

// Retriever returns the container retriever.
func (s *Server) Retriever() *asic.Retriever { return s.retriever }

// Sink returns the archive sink, e.g. for archive.VerifyChain.
func (s *Server) Sink() archive.Sink { return s.sink }

// Sign signs parts with the configured key of member. When no OCSP
// responses are given and fetching is enabled, the response for the
// signing certificate is fetched and embedded.
func (s *Server) Sign(ctx context.Context, member string, parts []hashchain.Part, ocspResponses ...[]byte) (*signature.Data, error) {
	signer, err := s.keystore.GetSigner(ctx, member, s.config.Signing.KeyID)
	if err != nil {
		return nil, fmt.Errorf("signer of %s: %w", member, err)
	}
	var chain []*x509.Certificate
	if cs, ok := signer.(keystore.ChainSigner); ok {
		chain = cs.Chain()
	}

	if len(ocspResponses) == 0 && s.source != nil {
		issuer, err := security.FindIssuer(s.trust, signer.Certificate(), chain)
		if err != nil {
			return nil, fmt.Errorf("issuer of %s: %w", member, err)
		}
		resp, err := s.source.Fetch(ctx, signer.Certificate(), issuer)
		if err != nil {
			return nil, fmt.Errorf("fetching OCSP response for %s: %w", member, err)
		}
		ocspResponses = [][]byte{resp}
	}
	return s.builder.Build(ctx, parts, signer, ocspResponses, chain)
}

// Verify checks a signature and records the outcome in the metrics.
func (s *Server) Verify(ctx context.Context, data *signature.Data, parts []hashchain.Part, expected *signature.ClientID, at time.Time) error {
	started := time.Now()
	err := s.verifier.Verify(ctx, data, parts, expected, at)
	s.metrics.ObserveVerification(err, time.Since(started))
	return err
}

// VerifyTimestamp checks that ts covers data.
func (s *Server) VerifyTimestamp(ctx context.Context, data *signature.Data, ts *record.Timestamp) error {
	return s.verifier.VerifyTimestamp(ctx, data, ts.Signature())
}

// Run starts the archive worker, recovers an interrupted rotation and, when
// enabled, serves health and metrics until ctx is done. It then shuts the
// server down.
func (s *Server) Run(ctx context.Context) error {
	s.worker.Start()
	n, err := s.worker.Recover(ctx)
	if err != nil {
		s.logger.Error("archive recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered archived records", "records", n)
	}

	errCh := make(chan error, 1)
	if s.config.Metrics.Metrics.Enabled {
		go func() {
			s.logger.Info("starting server", "addr", s.httpSrv.Addr)
			if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the server. Sealed archive batches are written
// before the store is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.config.Metrics.Metrics.Enabled {
		errs = append(errs, s.httpSrv.Shutdown(ctx))
	}
	errs = append(errs, s.worker.Stop(ctx), s.keystore.Close(), s.closeStore(ctx))
	return errors.Join(errs...)
}

func (s *Server) closeStore(ctx context.Context) error {
	if s.mongo != nil {
		return s.mongo.Close(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.mongo != nil {
		if err := s.mongo.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
