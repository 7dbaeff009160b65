package ingress

import (
	"context"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/vyrodovalexey/flusso/internal/backend"
)

// Annotations read from resources.
const (
	AnnotationIngressClass      = "kubernetes.io/ingress.class"
	AnnotationServiceClass      = "flusso.io/ingress-class"
	AnnotationServicePathPrefix = "flusso.io/path-prefix"
	AnnotationServicePort       = "flusso.io/port"
	defaultServicePort          = 80
	kindIngress                 = "Ingress"
	kindService                 = "Service"
	clusterIPNone               = "None"
)

// ServiceRef points at a port of a Service. PortNumber wins over PortName;
// when both are empty the default port is used.
type ServiceRef struct {
	Namespace  string
	Name       string
	PortName   string
	PortNumber int32
}

// String returns the reference in "namespace/name:port" form.
func (r ServiceRef) String() string {
	port := r.PortName
	if r.PortNumber > 0 {
		port = strconv.Itoa(int(r.PortNumber))
	}
	ref := r.Namespace + "/" + r.Name
	if port != "" {
		ref += ":" + port
	}
	return ref
}

// Target is one prefix served by one backend. Either Address is set
// directly or Service must be resolved.
type Target struct {
	Prefix  string
	Service ServiceRef
	Address backend.Address
}

func (t Target) resolved() bool {
	return t.Address.Host != ""
}

// Adapter gives a Source typed access to one resource kind.
type Adapter interface {
	// Kind names the resource kind in logs, metrics and events.
	Kind() string
	// List returns every object and the resource version to watch from.
	List(ctx context.Context) ([]runtime.Object, string, error)
	// Watch opens a watch stream starting after resourceVersion.
	Watch(ctx context.Context, resourceVersion string) (watch.Interface, error)
	// Targets extracts the object key and, if the object is handled by
	// this data plane, its targets.
	Targets(obj runtime.Object) (key string, relevant bool, targets []Target)
}

func objectKey(meta metav1.Object) string {
	return meta.GetNamespace() + "/" + meta.GetName()
}

func watchOptions(resourceVersion string) metav1.ListOptions {
	return metav1.ListOptions{
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: true,
	}
}

// IngressAdapter watches networking.k8s.io/v1 Ingresses of one class.
type IngressAdapter struct {
	client    kubernetes.Interface
	namespace string
	class     string
}

// NewIngressAdapter creates an adapter for Ingresses of the given class.
// An empty namespace watches all namespaces.
func NewIngressAdapter(client kubernetes.Interface, namespace, class string) *IngressAdapter {
	return &IngressAdapter{client: client, namespace: namespace, class: class}
}

// Kind implements Adapter.
func (a *IngressAdapter) Kind() string {
	return kindIngress
}

// List implements Adapter.
func (a *IngressAdapter) List(ctx context.Context) ([]runtime.Object, string, error) {
	list, err := a.client.NetworkingV1().Ingresses(a.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}

	objs := make([]runtime.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.ResourceVersion, nil
}

// Watch implements Adapter.
func (a *IngressAdapter) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return a.client.NetworkingV1().Ingresses(a.namespace).Watch(ctx, watchOptions(resourceVersion))
}

// Targets implements Adapter.
func (a *IngressAdapter) Targets(obj runtime.Object) (string, bool, []Target) {
	ing, ok := obj.(*networkingv1.Ingress)
	if !ok {
		return "", false, nil
	}

	key := objectKey(ing)
	if !a.matchesClass(ing) {
		return key, false, nil
	}

	var targets []Target
	if def := ing.Spec.DefaultBackend; def != nil && def.Service != nil {
		targets = append(targets, Target{
			Prefix:  "/",
			Service: serviceRef(ing.Namespace, def.Service),
		})
	}

	for _, rule := range ing.Spec.Rules {
		if rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			if path.Backend.Service == nil {
				continue
			}
			prefix := path.Path
			if prefix == "" {
				prefix = "/"
			}
			targets = append(targets, Target{
				Prefix:  prefix,
				Service: serviceRef(ing.Namespace, path.Backend.Service),
			})
		}
	}

	return key, true, targets
}

func (a *IngressAdapter) matchesClass(ing *networkingv1.Ingress) bool {
	if ing.Spec.IngressClassName != nil {
		return *ing.Spec.IngressClassName == a.class
	}
	return ing.Annotations[AnnotationIngressClass] == a.class
}

func serviceRef(namespace string, svc *networkingv1.IngressServiceBackend) ServiceRef {
	return ServiceRef{
		Namespace:  namespace,
		Name:       svc.Name,
		PortName:   svc.Port.Name,
		PortNumber: svc.Port.Number,
	}
}

// ServiceAdapter watches v1 Services annotated for this data plane. The
// service's own cluster IP becomes the backend of its annotated prefix.
type ServiceAdapter struct {
	client    kubernetes.Interface
	namespace string
	class     string
}

// NewServiceAdapter creates an adapter for annotated Services.
func NewServiceAdapter(client kubernetes.Interface, namespace, class string) *ServiceAdapter {
	return &ServiceAdapter{client: client, namespace: namespace, class: class}
}

// Kind implements Adapter.
func (a *ServiceAdapter) Kind() string {
	return kindService
}

// List implements Adapter.
func (a *ServiceAdapter) List(ctx context.Context) ([]runtime.Object, string, error) {
	list, err := a.client.CoreV1().Services(a.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, "", err
	}

	objs := make([]runtime.Object, 0, len(list.Items))
	for i := range list.Items {
		objs = append(objs, &list.Items[i])
	}
	return objs, list.ResourceVersion, nil
}

// Watch implements Adapter.
func (a *ServiceAdapter) Watch(ctx context.Context, resourceVersion string) (watch.Interface, error) {
	return a.client.CoreV1().Services(a.namespace).Watch(ctx, watchOptions(resourceVersion))
}

// Targets implements Adapter. A relevant service without a usable cluster
// IP or port yields no targets.
func (a *ServiceAdapter) Targets(obj runtime.Object) (string, bool, []Target) {
	svc, ok := obj.(*corev1.Service)
	if !ok {
		return "", false, nil
	}

	key := objectKey(svc)
	if svc.Annotations[AnnotationServiceClass] != a.class {
		return key, false, nil
	}
	prefix := svc.Annotations[AnnotationServicePathPrefix]
	if !strings.HasPrefix(prefix, "/") {
		return key, false, nil
	}

	ip := svc.Spec.ClusterIP
	if ip == "" || ip == clusterIPNone {
		return key, true, nil
	}

	port, ok := servicePort(svc, svc.Annotations[AnnotationServicePort])
	if !ok {
		return key, true, nil
	}

	return key, true, []Target{{
		Prefix:  prefix,
		Address: backend.Address{Host: ip, Port: int(port)},
	}}
}

// servicePort picks the port named or numbered by want, the first port
// when want is empty, or the default port for a service without ports.
func servicePort(svc *corev1.Service, want string) (int32, bool) {
	if want == "" {
		if len(svc.Spec.Ports) > 0 {
			return svc.Spec.Ports[0].Port, true
		}
		return defaultServicePort, true
	}

	if n, err := strconv.ParseInt(want, 10, 32); err == nil {
		return int32(n), n > 0
	}

	for _, p := range svc.Spec.Ports {
		if p.Name == want {
			return p.Port, true
		}
	}
	return 0, false
}
