// Package kubernetes discovers workers from the running pods matching a label selector.
package kubernetes

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/types"
)

// Name is the backend name reported in logs and metrics.
const Name = "kubernetes"

// PortName is the container port name preferred over the configured worker port.
const PortName = "http"

const shortIDLength = 12

// Discovery lists worker pods in one namespace.
type Discovery struct {
	client        k8s.Interface
	namespace     string
	labelSelector string
	workerPort    int
	readyOnly     bool
	logger        types.Logger
}

var _ types.Discovery = (*Discovery)(nil)

// Option configures a kubernetes Discovery.
type Option func(*Discovery)

// WithLabelSelector sets the pod label selector.
// Default: "app.kubernetes.io/name=<service>".
func WithLabelSelector(selector string) Option {
	return func(d *Discovery) {
		if selector != "" {
			d.labelSelector = selector
		}
	}
}

// WithReadyOnly skips pods whose Ready condition is not true.
func WithReadyOnly(readyOnly bool) Option {
	return func(d *Discovery) {
		d.readyOnly = readyOnly
	}
}

// WithLogger sets the logger for skipped pods.
func WithLogger(l types.Logger) Option {
	return func(d *Discovery) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a kubernetes discovery backend over an existing clientset.
//
// Parameters:
//   - client: Kubernetes clientset (a fake clientset in tests)
//   - namespace: Namespace to list pods in
//   - service: Worker service name, used for the default label selector
//   - workerPort: Port used when a pod declares no port named "http"
//   - opts: Optional label selector, readiness filter, logger
//
// Returns:
//   - *Discovery: Initialized backend
//
// Example:
//
//	cs, _ := kubernetes.NewForConfig(restCfg)
//	disc := kdisc.New(cs, "jobs", "render-worker", 8080)
func New(client k8s.Interface, namespace, service string, workerPort int, opts ...Option) *Discovery {
	d := &Discovery{
		client:        client,
		namespace:     namespace,
		labelSelector: "app.kubernetes.io/name=" + service,
		workerPort:    workerPort,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// NewFromEndpoint builds a clientset and the backend.
//
// An empty endpoint uses the in-cluster service account. Otherwise endpoint
// is the API server URL and credentials come from the KUBECONFIG file.
//
// Returns:
//   - *Discovery: Initialized backend
//   - error: Client configuration failure
func NewFromEndpoint(endpoint, kubeconfig, namespace, service string, workerPort int, opts ...Option) (*Discovery, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if endpoint == "" && kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags(endpoint, kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes client config: %w", err)
	}

	cs, err := k8s.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return New(cs, namespace, service, workerPort, opts...), nil
}

// Name returns "kubernetes".
func (d *Discovery) Name() string { return Name }

// ListLiveWorkers returns every running, non-terminating pod with an IP.
//
// Returns:
//   - []types.WorkerEndpoint: ID is the pod UID, ContainerRef the short container ID
//   - error: API failure
func (d *Discovery) ListLiveWorkers(ctx context.Context) ([]types.WorkerEndpoint, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: d.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}

	live := make([]types.WorkerEndpoint, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !d.eligible(pod) {
			continue
		}
		live = append(live, d.endpointFromPod(pod))
	}

	return live, nil
}

func (d *Discovery) eligible(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	if pod.Status.PodIP == "" {
		d.logger.Debug("pod has no IP yet, skipped", "pod", pod.Name, "namespace", pod.Namespace)
		return false
	}
	if d.readyOnly && !podReady(pod) {
		d.logger.Debug("pod not ready, skipped", "pod", pod.Name, "namespace", pod.Namespace)
		return false
	}

	return true
}

func (d *Discovery) endpointFromPod(pod *corev1.Pod) types.WorkerEndpoint {
	id := string(pod.UID)
	if id == "" {
		id = pod.Namespace + "/" + pod.Name
	}

	return types.WorkerEndpoint{
		ID:           id,
		ContainerRef: containerRef(pod),
		Address:      pod.Status.PodIP,
		Port:         d.podPort(pod),
	}
}

func (d *Discovery) podPort(pod *corev1.Pod) int {
	for _, c := range pod.Spec.Containers {
		for _, p := range c.Ports {
			if p.Name == PortName && p.ContainerPort > 0 {
				return int(p.ContainerPort)
			}
		}
	}

	return d.workerPort
}

func podReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}

	return false
}

// containerRef returns the short ID of the first container, or the pod name.
func containerRef(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.ContainerID == "" {
			continue
		}
		// "containerd://<id>"
		_, id, found := strings.Cut(cs.ContainerID, "://")
		if !found {
			id = cs.ContainerID
		}
		if len(id) > shortIDLength {
			id = id[:shortIDLength]
		}

		return id
	}

	return pod.Name
}
