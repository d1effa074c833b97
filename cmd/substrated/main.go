// Command substrated is the execution-substrate daemon: HTTP ingress,
// container orchestrator, credential-injection proxy, workspace sync, and
// the agent run pipeline, wired together explicitly in main.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"

	"silexa/substrate/internal/agentexec"
	"silexa/substrate/internal/config"
	"silexa/substrate/internal/container"
	"silexa/substrate/internal/httpapi"
	"silexa/substrate/internal/lock"
	"silexa/substrate/internal/metrics"
	"silexa/substrate/internal/objectstore"
	"silexa/substrate/internal/obslog"
	"silexa/substrate/internal/poolkeeper"
	"silexa/substrate/internal/proxy"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/tooling"
	"silexa/substrate/internal/workspace"
)

func main() {
	logger := obslog.New("substrated")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		logger.Fatal().Err(err).Msg("aws config")
	}
	gw := objectstore.New(s3.NewFromConfig(awsCfg), cfg.S3BucketName, cfg.S3WorkspacePrefix)

	store, err := workspace.Open(cfg.WorkspaceDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("workspace record store")
	}
	defer store.Close()

	wl, err := proxy.LoadWhitelist(cfg.WhitelistPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.WhitelistPath).Msg("whitelist")
	}
	audit := proxy.NewAuditSink(logger)
	defer audit.Close()

	signers := map[string]proxy.Signer{
		"passthrough": proxy.PassthroughSigner{},
		"aws-sigv4:s3": proxy.NewSigV4Signer("aws-sigv4:s3", cfg.S3Region, "s3", awsCfg.Credentials),
		"aws-sigv4:bedrock": proxy.NewSigV4Signer("aws-sigv4:bedrock", cfg.S3Region, "bedrock", awsCfg.Credentials),
	}
	if roleARN := os.Getenv("SUBSTRATE_SIGNING_ROLE_ARN"); roleARN != "" {
		signers["aws-sigv4:assumed"] = proxy.NewSigV4SignerFromAssumedRole("aws-sigv4:assumed", cfg.S3Region, "execute-api", roleARN, awsCfg)
	}
	resolve := func(profile string) (proxy.Signer, bool) {
		s, ok := signers[profile]
		return s, ok
	}
	proxySrv := proxy.NewServer(wl, resolve, logger)

	policy := container.DefaultPolicy()
	policy.SeccompProfile = cfg.SeccompProfilePath
	policy.ApparmorProfile = cfg.AppArmorProfileName
	policy.UsernsRemap = cfg.UsernsRemapEnabled

	tools := tooling.NewRegistry()
	wsTools := tooling.NewWorkspaceTools(gw, store, logger)
	if err := wsTools.RegisterOn(tools); err != nil {
		logger.Fatal().Err(err).Msg("tool registry")
	}

	entrypoint := strings.Fields(cfg.AgentCommand)

	var rt container.Runtime
	var agent run.Agent
	switch cfg.ContainerBackend {
	case "kubernetes":
		kubeRT, err := container.NewKubeRuntime(cfg.KubeNamespace, cfg.SandboxImage, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("kubernetes runtime")
		}
		rt = kubeRT
		agent = agentexec.NewKube(kubeRT, entrypoint, tools, logger)
	default:
		dockerRT, err := container.NewDockerRuntime(cfg.SandboxImage, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("docker runtime")
		}
		rt = dockerRT
		agent = agentexec.NewDocker(dockerRT.API(), entrypoint, tools, logger)
	}

	pool := container.NewPool(rt, cfg.PoolSize, cfg.IdleTTL, cfg.ContainerBase, cfg.SocketDir, policy, logger)
	pool.OnPreStart(func(containerID, socketPath string) error {
		return proxySrv.Bind(containerID, socketPath, cfg.SandboxUID, audit)
	})
	pool.OnDestroy(func(containerID, socketPath string) {
		proxySrv.Unbind(containerID, socketPath)
	})

	engine := workspace.NewEngine(gw, logger)
	locks := lock.NewRegistry()
	runs := run.NewTable(0)
	pipeline := run.NewPipeline(locks, pool, engine, store, agent, runs, cfg.ExecutionTTL, cfg.BasePrompt, logger)

	api := httpapi.NewServer(
		pipeline, gw, store, engine, pool,
		cfg.HeartbeatEvery, cfg.HeartbeatMiss,
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		wsTools.HTTPHandler(),
		logger,
	)

	// The poolkeeper Temporal workflow drives reap when a cluster is
	// reachable; the local ticker runs in every case so GC never depends
	// on Temporal being up.
	if c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress, Namespace: cfg.TemporalNamespace}); err != nil {
		logger.Warn().Err(err).Msg("temporal unreachable, reaping on local ticker only")
	} else {
		defer c.Close()
		if err := poolkeeper.Start(ctx, c, cfg.TemporalTaskQueue, poolkeeper.Params{Interval: time.Minute}); err != nil {
			logger.Warn().Err(err).Msg("start poolkeeper workflow")
		}
	}
	go func() {
		ticker := time.NewTicker(cfg.IdleTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.Reap(ctx)
			}
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Str("backend", rt.Name()).Msg("substrated listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server")
	}
}
