package main

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/vyrodovalexey/flusso/internal/config"
)

// newKubeClient builds a clientset from an explicit kubeconfig, or else
// through controller-runtime discovery: the --kubeconfig flag, KUBECONFIG,
// the in-cluster service account, then ~/.kube/config. A disabled
// Kubernetes section yields a nil client.
func newKubeClient(cfg config.KubernetesConfig) (kubernetes.Interface, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = ctrlconfig.GetConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	restCfg.UserAgent = "flusso/" + version

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return client, nil
}
