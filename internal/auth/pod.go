package auth

import (
	"fmt"
	"net"
	"net/http"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"wts/internal/domain"
)

// Pod annotations carrying the workspace owner, in priority order.
const (
	PodUsernameAnnotation = "gen3username"
	JupyterPodAnnotation  = "hub.jupyter.org/username"
)

// PodAnnotationResolver identifies callers running inside workspace pods by
// matching the request's source IP against pod IPs.
type PodAnnotationResolver struct {
	client kubernetes.Interface
	// RemoteIP overrides how the caller IP is taken from the request.
	RemoteIP func(r *http.Request) string
}

// NewPodAnnotationResolver creates a resolver over the given clientset.
func NewPodAnnotationResolver(client kubernetes.Interface) *PodAnnotationResolver {
	return &PodAnnotationResolver{client: client}
}

func (p *PodAnnotationResolver) Resolve(r *http.Request) (*Principal, error) {
	ip := p.remoteIP(r)
	if ip == "" {
		return nil, nil
	}
	pods, err := p.client.CoreV1().Pods(metav1.NamespaceAll).List(r.Context(), metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("status.podIP", ip).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list pods for %s: %v", domain.ErrInternal, ip, err)
	}
	for _, pod := range pods.Items {
		if pod.Status.PodIP != ip {
			continue
		}
		if name := pod.Annotations[PodUsernameAnnotation]; name != "" {
			return &Principal{UserID: name, Username: name, Source: SourcePod}, nil
		}
		if name := pod.Annotations[JupyterPodAnnotation]; name != "" {
			return &Principal{UserID: name, Username: name, Source: SourcePod}, nil
		}
	}
	return nil, nil
}

func (p *PodAnnotationResolver) remoteIP(r *http.Request) string {
	if p.RemoteIP != nil {
		return p.RemoteIP(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
