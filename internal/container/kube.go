package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// egressDeniedLabel selects sandbox pods into the deny-all NetworkPolicy,
// the Kubernetes rendering of network_mode=none.
const egressDeniedLabel = "silexa.substrate/network"

// proxySocketTarget is where the per-container proxy socket appears
// inside the sandbox on both backends.
const proxySocketTarget = "/var/run/substrate/proxy.sock"

// KubeRuntime is the Kubernetes-backed alternate Runtime. It maps the
// same isolation Policy onto a Pod's SecurityContext instead of onto
// Docker's HostConfig.
type KubeRuntime struct {
	cs        kubernetes.Interface
	cfg       *rest.Config
	namespace string
	image     string
	log       zerolog.Logger

	netpolOnce sync.Once
	netpolErr  error
}

// NewKubeRuntime builds a client from in-cluster config when available,
// falling back to the local kubeconfig, the same fallback shape as the
// Docker runtime's env-then-autodetect dial.
func NewKubeRuntime(namespace, image string, log zerolog.Logger) (*KubeRuntime, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kube config: %w", err)
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kube clientset: %w", err)
	}
	return &KubeRuntime{cs: cs, cfg: cfg, namespace: namespace, image: image, log: log.With().Str("backend", "kubernetes").Logger()}, nil
}

func (r *KubeRuntime) Name() string { return "kubernetes" }

// Clientset, RESTConfig, and Namespace expose what the exec-based agent
// runner needs to attach to a sandbox pod.
func (r *KubeRuntime) Clientset() kubernetes.Interface { return r.cs }
func (r *KubeRuntime) RESTConfig() *rest.Config        { return r.cfg }
func (r *KubeRuntime) Namespace() string               { return r.namespace }

// ensureDenyAllPolicy creates (once per process) the deny-all
// NetworkPolicy that network_mode=none sandboxes are labeled into: no
// ingress or egress rules for any selected pod, so the proxy socket
// hostPath mount is the only way out.
func (r *KubeRuntime) ensureDenyAllPolicy(ctx context.Context) error {
	r.netpolOnce.Do(func() {
		netpol := &networkingv1.NetworkPolicy{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "substrate-sandbox-deny-all",
				Namespace: r.namespace,
			},
			Spec: networkingv1.NetworkPolicySpec{
				PodSelector: metav1.LabelSelector{
					MatchLabels: map[string]string{egressDeniedLabel: "none"},
				},
				PolicyTypes: []networkingv1.PolicyType{
					networkingv1.PolicyTypeIngress,
					networkingv1.PolicyTypeEgress,
				},
			},
		}
		_, err := r.cs.NetworkingV1().NetworkPolicies(r.namespace).Create(ctx, netpol, metav1.CreateOptions{})
		if err != nil && !apierrors.IsAlreadyExists(err) {
			r.netpolErr = fmt.Errorf("deny-all network policy: %w", err)
		}
	})
	return r.netpolErr
}

// Create starts a single-container Pod bound to the workspace and the
// per-container proxy socket as hostPath volumes, translating the
// isolation Policy into a PodSecurityContext / SecurityContext pair:
// network_mode=none labels the pod into the deny-all NetworkPolicy,
// cap_drop and no_new_privileges map directly, and RunAsNonRoot is set on
// every pod. No UID is assigned and userns_remap is not consulted.
func (r *KubeRuntime) Create(ctx context.Context, conv, containerID, hostPath, socketPath string, policy Policy) error {
	nonRoot := true
	noPriv := !policy.NoNewPrivileges // field is "AllowPrivilegeEscalation"
	readOnly := policy.ReadonlyRootfs
	socketType := corev1.HostPathSocket

	labels := map[string]string{"silexa.substrate/conversation-id": conv}
	if policy.NetworkNone {
		if err := r.ensureDenyAllPolicy(ctx); err != nil {
			return err
		}
		labels[egressDeniedLabel] = "none"
	}

	podSpec := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(containerID),
			Namespace: r.namespace,
			Labels:    labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			HostNetwork:   false,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: &nonRoot,
			},
			Containers: []corev1.Container{
				{
					Name:  "sandbox",
					Image: r.image,
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: &noPriv,
						ReadOnlyRootFilesystem:   &readOnly,
						Capabilities:             capabilities(policy),
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceMemory: *resource.NewQuantity(policy.MemoryBytes, resource.BinarySI),
							corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(policy.CPUQuota*1000), resource.DecimalSI),
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: "/workspace"},
						{Name: "proxy-socket", MountPath: proxySocketTarget},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: hostPath},
					},
				},
				{
					Name: "proxy-socket",
					VolumeSource: corev1.VolumeSource{
						HostPath: &corev1.HostPathVolumeSource{Path: socketPath, Type: &socketType},
					},
				},
			},
		},
	}

	created, err := r.cs.CoreV1().Pods(r.namespace).Create(ctx, podSpec, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("pod create: %w", err)
	}
	r.log.Info().Str("conversation_id", conv).Str("pod", created.Name).Msg("kubernetes sandbox started")
	return nil
}

func podName(containerID string) string {
	return "substrate-sandbox-" + containerID
}

// PodName is the sandbox pod name for an orchestrator-assigned container
// id, shared with the exec-based agent runner.
func PodName(containerID string) string { return podName(containerID) }

func capabilities(policy Policy) *corev1.Capabilities {
	if !policy.CapDropAll {
		return nil
	}
	return &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}}
}

func (r *KubeRuntime) Healthy(ctx context.Context, containerID string) bool {
	pod, err := r.cs.CoreV1().Pods(r.namespace).Get(ctx, podName(containerID), metav1.GetOptions{})
	if err != nil {
		return false
	}
	return pod.Status.Phase == corev1.PodRunning
}

func (r *KubeRuntime) Destroy(ctx context.Context, containerID string) error {
	err := r.cs.CoreV1().Pods(r.namespace).Delete(ctx, podName(containerID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("pod delete: %w", err)
	}
	return nil
}
