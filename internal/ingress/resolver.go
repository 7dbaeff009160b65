package ingress

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/vyrodovalexey/flusso/internal/backend"
)

// Resolver turns a service reference into a backend address.
type Resolver interface {
	ResolveServiceAddress(ctx context.Context, ref ServiceRef) (backend.Address, error)
}

// ServiceResolver resolves references to the service's cluster IP.
type ServiceResolver struct {
	client kubernetes.Interface
}

// NewServiceResolver creates a resolver reading Services through client.
func NewServiceResolver(client kubernetes.Interface) *ServiceResolver {
	return &ServiceResolver{client: client}
}

// ResolveServiceAddress implements Resolver. Every error wraps
// ErrResolutionFailure; missing and headless services wrap
// ErrServiceNotFound.
func (r *ServiceResolver) ResolveServiceAddress(ctx context.Context, ref ServiceRef) (backend.Address, error) {
	svc, err := r.client.CoreV1().Services(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Address{}, fmt.Errorf("%w: %s", ErrServiceNotFound, ref)
		}
		return backend.Address{}, fmt.Errorf("%w: get service %s: %w", ErrResolutionFailure, ref, err)
	}

	ip := svc.Spec.ClusterIP
	if ip == "" || ip == clusterIPNone {
		return backend.Address{}, fmt.Errorf("%w: %s has no cluster IP", ErrServiceNotFound, ref)
	}

	port := int32(defaultServicePort)
	switch {
	case ref.PortNumber > 0:
		port = ref.PortNumber
	case ref.PortName != "":
		p, ok := servicePort(svc, ref.PortName)
		if !ok {
			return backend.Address{}, fmt.Errorf("%w: %s has no port %q", ErrResolutionFailure, ref, ref.PortName)
		}
		port = p
	}

	return backend.Address{Host: ip, Port: int(port)}, nil
}
