package agentexec

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"

	"silexa/substrate/internal/container"
	"silexa/substrate/internal/run"
	"silexa/substrate/internal/tooling"
)

// KubeAgent is the run.Agent for the Kubernetes sandbox backend: the
// same relay as the Docker transport, attached over a pod exec stream.
type KubeAgent struct {
	cs         kubernetes.Interface
	cfg        *rest.Config
	namespace  string
	entrypoint []string
	relay      relay
}

func NewKube(rt *container.KubeRuntime, entrypoint []string, tools *tooling.Registry, log zerolog.Logger) *KubeAgent {
	l := log.With().Str("subsystem", "agent_exec").Str("transport", "kubernetes").Logger()
	return &KubeAgent{
		cs:         rt.Clientset(),
		cfg:        rt.RESTConfig(),
		namespace:  rt.Namespace(),
		entrypoint: entrypoint,
		relay:      relay{tools: tools, log: l},
	}
}

func (a *KubeAgent) Stream(ctx context.Context, req run.Request) (<-chan run.Event, error) {
	execReq := a.cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(container.PodName(req.ContainerID)).
		Namespace(a.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   a.entrypoint,
			Stdin:     true,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(a.cfg, "POST", execReq.URL())
	if err != nil {
		return nil, fmt.Errorf("agent pod exec: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	var stderr bytes.Buffer

	go func() {
		streamErr := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
			Stdin:  stdinR,
			Stdout: stdoutW,
			Stderr: &stderr,
		})
		stdoutW.CloseWithError(streamErr)
		stdinR.Close()
	}()

	events := make(chan run.Event, 64)
	go func() {
		defer close(events)
		defer stdinW.Close()
		a.relay.run(ctx, req, stdinW, stdoutR, &stderr, events)
	}()
	return events, nil
}
