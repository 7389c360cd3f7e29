package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/letsesign/enclave-worker/infrastructure/metrics"
	"github.com/letsesign/enclave-worker/internal/attestationservice"
	"github.com/letsesign/enclave-worker/internal/attestverify"
	"github.com/letsesign/enclave-worker/internal/intentprotocol"
	"github.com/letsesign/enclave-worker/internal/kmsclient"
	"github.com/letsesign/enclave-worker/internal/mailer"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/internal/nsmbridge"
	"github.com/letsesign/enclave-worker/internal/payloaddecryptor"
	"github.com/letsesign/enclave-worker/internal/pdfoverlay"
	"github.com/letsesign/enclave-worker/internal/phoneverify"
	"github.com/letsesign/enclave-worker/internal/worker"
	"github.com/letsesign/enclave-worker/pkg/config"
	"github.com/letsesign/enclave-worker/pkg/logger"
)

// Font/seal asset paths are not part of pkg/config (they never vary per
// deployment environment the way host/AWS/mail settings do); overridable
// via env for test enclave images that ship assets at a different path.
const (
	defaultDancingScriptPath    = "assets/fonts/DancingScript-Regular.ttf"
	defaultJasonHandwritingPath = "assets/fonts/JasonHandwriting2.ttf"
	defaultMonoPath             = "assets/fonts/RobotoMono-Regular.ttf"
	defaultSealImagePath        = "assets/seal.png"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logger.New(cfg.Logging)
	m := metrics.Init("enclave-worker")

	_, handlers, err := buildDeps(cfg)
	if err != nil {
		log.Fatalf("initialize worker dependencies: %v", err)
	}

	w := worker.New(cfg.Host, handlers, m, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	log.WithField("baseURL", cfg.Host.BaseURL).Info("enclave-worker poll loop started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, stopping poll loop")
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("poll loop did not stop within shutdown timeout")
	}
}

// buildDeps wires the full dependency graph: nsm/attestation at the
// bottom, KMS/mail/phone factories in the middle, the three
// intentprotocol handlers on top.
func buildDeps(cfg *config.Config) (*intentprotocol.Deps, []intentprotocol.AnyHandler, error) {
	bridge := nsmbridge.New()

	attest, err := attestationservice.New(bridge, attestverify.Verify, cfg.Enclave.DowngradeCompatVersions)
	if err != nil {
		return nil, nil, err
	}

	kms := kmsclient.New(bridge, kmsclient.Config{
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
		RequestTimeout:  time.Duration(cfg.AWS.RequestTimeoutS) * time.Second,
	}, nil)
	decryptor := payloaddecryptor.New(kms)

	fonts, err := pdfoverlay.LoadFontSet(
		envOr("FONT_DANCING_SCRIPT_PATH", defaultDancingScriptPath),
		envOr("FONT_JASON_HANDWRITING_PATH", defaultJasonHandwritingPath),
		envOr("FONT_MONO_PATH", defaultMonoPath),
		envOr("SEAL_IMAGE_PATH", defaultSealImagePath),
	)
	if err != nil {
		return nil, nil, err
	}

	twilioTimeout := time.Duration(cfg.Twilio.RequestTimeoutS) * time.Second

	deps := &intentprotocol.Deps{
		Decryptor: decryptor,
		Attest:    attest,
		Fonts:     fonts,
		NewMailer: func(provider model.EmailServiceProvider, domain string) (mailer.Mailer, error) {
			return mailer.New(provider, cfg.Mail, domain)
		},
		NewPhoneVerifier: func(twCfg model.TwilioConfig) phoneverify.PhoneVerifier {
			return phoneverify.New(twCfg.AccountSID, twCfg.AuthToken, twCfg.ServiceSID, twilioTimeout)
		},
	}

	handlers := []intentprotocol.AnyHandler{
		intentprotocol.NewSendReqHandler(deps),
		intentprotocol.NewConfirmIntentHandler(deps),
		intentprotocol.NewAttachESigHandler(deps),
	}
	return deps, handlers, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
