/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The plugin-manager service: admits plugin artifacts, scans and builds
// them, signs and publishes images, and reconciles the workloads that run
// them.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/unifytwin/plugin-manager/internal/config"
	"github.com/unifytwin/plugin-manager/internal/server"
	"github.com/unifytwin/plugin-manager/pkg/blobstore"
	"github.com/unifytwin/plugin-manager/pkg/builder"
	"github.com/unifytwin/plugin-manager/pkg/engine"
	"github.com/unifytwin/plugin-manager/pkg/kubeflow"
	"github.com/unifytwin/plugin-manager/pkg/notify"
	"github.com/unifytwin/plugin-manager/pkg/orchestrator"
	"github.com/unifytwin/plugin-manager/pkg/pipeline"
	"github.com/unifytwin/plugin-manager/pkg/registry"
	"github.com/unifytwin/plugin-manager/pkg/scan"
	"github.com/unifytwin/plugin-manager/pkg/signer"
	"github.com/unifytwin/plugin-manager/pkg/source"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(log); err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()

	store, err := registry.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.Named("registry"))
	if err != nil {
		return err
	}
	defer store.Close()

	blobs, err := blobstore.New(ctx, cfg.StoreEndpoint, cfg.StoreAccessKey, cfg.StoreSecretKey,
		cfg.StoreBucket, cfg.StoreSecure, log.Named("blobstore"))
	if err != nil {
		return err
	}

	eng, err := engine.New(log.Named("engine"))
	if err != nil {
		return err
	}
	defer eng.Close()

	kubeClient, clientset, err := buildKubeClients(cfg.KubeconfigPath)
	if err != nil {
		return err
	}

	auth := engine.RegistryAuth{
		ServerAddress: cfg.RegistryURL,
		Username:      cfg.RegistryUsername,
		Password:      cfg.RegistryPassword,
	}
	sig := signer.New(cfg.SigningEnabled, cfg.SigningKeyPath, cfg.VerifyPubPath, cfg.SigningPassword,
		cfg.RegistryUsername, cfg.RegistryPassword, cfg.AllowInsecure, log.Named("signer"))

	orch := &orchestrator.Reconciler{
		Client:          kubeClient,
		Clientset:       clientset,
		Namespace:       cfg.Namespace,
		Gateway:         cfg.GatewayName,
		GatewayPrefix:   cfg.GatewayPrefix,
		ImagePullSecret: cfg.ImagePullSecret,
		Log:             log.Named("orchestrator"),
	}

	scanner := scan.New(eng, scan.Options{
		AVEnabled:        cfg.AVScanEnabled,
		SASTEnabled:      cfg.SASTEnabled,
		VulnEnabled:      cfg.VulnScanEnabled,
		VulnSeverities:   cfg.VulnSeverities,
		Thresholds:       cfg.SASTThresholds,
		ReportDir:        filepath.Join(cfg.WorkDir, "reports"),
		SonarHost:        os.Getenv("SONARQUBE_URL"),
		SonarToken:       os.Getenv("SONARQUBE_TOKEN"),
		RegistryUsername: cfg.RegistryUsername,
		RegistryPassword: cfg.RegistryPassword,
	}, log.Named("scan"))

	queue := pipeline.NewQueue(log.Named("queue"))
	controller := &pipeline.Controller{
		Store:    store,
		Blobs:    blobs,
		Acquirer: source.NewAcquirer(blobs, cfg.WorkDir, log.Named("source")),
		Builder:  builder.New(eng, sig, cfg.RegistryURL, auth, nil, log.Named("builder")),
		Loader:   builder.NewLoader(eng, sig, cfg.RegistryURL, auth, log.Named("loader")),
		Scanner:  scanner,
		Orch:     orch,
		Kubeflow: kubeflow.New(cfg.KubeflowURL, cfg.MultiUserPipelines, log.Named("kubeflow")),
		Notifier: notify.New(cfg.MQTTBroker, cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTBaseTopic, log.Named("notify")),
		Queue:    queue,

		GatewayPrefix:   cfg.GatewayPrefix,
		ImagePullSecret: cfg.ImagePullSecret,
		PollEvery:       cfg.PollEvery,
		VCSOverrides:    cfg.VCSOverride,
		HomeLink:        os.Getenv("HOME_LINK"),
		Download: pipeline.DownloadDeps{
			Exporter:     eng,
			Signer:       sig,
			RegistryAuth: auth,
			ExportDir:    filepath.Join(cfg.WorkDir, "exports"),
			Enabled:      cfg.DownloadEnabled,
		},

		Log: log.Named("pipeline"),
	}

	srv := &server.Server{
		Store:        store,
		Pipelines:    controller,
		Blobs:        blobs,
		LogSource:    orch,
		Resources:    cfg.Resources,
		VCSOverrides: cfg.VCSOverride,
		TempDir:      filepath.Join(cfg.WorkDir, "chunks"),
		Log:          log.Named("http"),
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Warn("background queue did not drain", zap.Error(err))
	}
	return nil
}

// buildKubeClients loads the cluster connection: in-cluster by default, a
// kubeconfig path for local development.
func buildKubeClients(kubeconfig string) (client.Client, kubernetes.Interface, error) {
	var restCfg *rest.Config
	var err error
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, nil, err
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, nil, err
	}
	scheme.AddKnownTypeWithName(orchestrator.VirtualRouteGVK, &unstructured.Unstructured{})
	listGVK := orchestrator.VirtualRouteGVK
	listGVK.Kind += "List"
	scheme.AddKnownTypeWithName(listGVK, &unstructured.UnstructuredList{})

	kubeClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, nil, err
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, err
	}
	return kubeClient, clientset, nil
}
