package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/mchatman/aware-sub000/internal/recipe"
	"github.com/mchatman/aware-sub000/internal/signer"
	"github.com/mchatman/aware-sub000/pkg/config"
	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// NewClientsetForConfig is a package-level variable for creating a clientset
// from rest.Config. Exported to allow overriding in tests.
var NewClientsetForConfig = func(c *rest.Config) (kubernetes.Interface, error) {
	return kubernetes.NewForConfig(c)
}

// Kube drives the pod backend: per-tenant Secret, Deployment, Service, and
// Ingress in a fixed namespace.
type Kube struct {
	client    kubernetes.Interface
	namespace string
	cfg       config.KubeConfig
}

var _ Driver = (*Kube)(nil)

// tokenProvider supplies a fresh bearer token before every control-plane call.
type tokenProvider interface {
	Token(ctx context.Context, clusterName string) (string, error)
}

type bearerTransport struct {
	base    http.RoundTripper
	tokens  tokenProvider
	cluster string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.Token(req.Context(), t.cluster)
	if err != nil {
		return nil, fmt.Errorf("mint cluster token: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// NewKube builds the driver. With a static endpoint/CA/token override it uses
// those directly (development); otherwise it describes the managed cluster for
// its endpoint and CA and signs its own bearer tokens per request.
func NewKube(ctx context.Context, cfg *config.Config) (*Kube, error) {
	restCfg, err := restConfig(ctx, cfg.Kube)
	if err != nil {
		return nil, err
	}
	client, err := NewClientsetForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	namespace := cfg.Kube.Namespace
	if namespace == "" {
		namespace = "tenants"
	}
	return &Kube{client: client, namespace: namespace, cfg: *cfg.Kube}, nil
}

func restConfig(ctx context.Context, kc *config.KubeConfig) (*rest.Config, error) {
	if kc.Endpoint != "" {
		caData, err := base64.StdEncoding.DecodeString(kc.CACert)
		if err != nil {
			return nil, fmt.Errorf("decode ca cert: %w", err)
		}
		return &rest.Config{
			Host:            kc.Endpoint,
			TLSClientConfig: rest.TLSClientConfig{CAData: caData},
			BearerToken:     kc.Token,
			Timeout:         30 * time.Second,
		}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(kc.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	eksClient := eks.NewFromConfig(awsCfg)
	out, err := eksClient.DescribeCluster(ctx, &eks.DescribeClusterInput{
		Name: aws.String(kc.ClusterName),
	})
	if err != nil {
		return nil, fmt.Errorf("describe cluster %s: %w", kc.ClusterName, err)
	}
	caData, err := base64.StdEncoding.DecodeString(aws.ToString(out.Cluster.CertificateAuthority.Data))
	if err != nil {
		return nil, fmt.Errorf("decode cluster ca: %w", err)
	}

	tokens := signer.New(awsCfg.Credentials, kc.Region)
	return &rest.Config{
		Host:            aws.ToString(out.Cluster.Endpoint),
		TLSClientConfig: rest.TLSClientConfig{CAData: caData},
		Timeout:         30 * time.Second,
		WrapTransport: func(rt http.RoundTripper) http.RoundTripper {
			return &bearerTransport{base: rt, tokens: tokens, cluster: kc.ClusterName}
		},
	}, nil
}

func (d *Kube) Remote() bool { return true }

func (d *Kube) Name() string { return "kube" }

func labels(name string) map[string]string {
	return map[string]string{"app": name, "aware.sh/managed-by": "instancer"}
}

// Realize creates Secret, Deployment, Service, and Ingress for the tenant.
// Order matters only for the secret, which the deployment mounts.
func (d *Kube) Realize(ctx context.Context, spec *recipe.Spec) (string, error) {
	name := spec.ContainerName
	ns := d.namespace

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels(name)},
		StringData: map[string]string{"token": spec.Token},
	}
	if _, err := d.client.CoreV1().Secrets(ns).Create(ctx, secret, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create secret: %w", err)
	}

	port := int32(spec.Port)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels(name)},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptrInt32(1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels(name)},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:  "gateway",
							Image: spec.ImageTag,
							Ports: []corev1.ContainerPort{{ContainerPort: port}},
							Env: []corev1.EnvVar{
								{
									Name: "GATEWAY_TOKEN",
									ValueFrom: &corev1.EnvVarSource{
										SecretKeyRef: &corev1.SecretKeySelector{
											LocalObjectReference: corev1.LocalObjectReference{Name: name},
											Key:                  "token",
										},
									},
								},
								{Name: "GATEWAY_PORT", Value: fmt.Sprintf("%d", spec.Port)},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("250m"),
									corev1.ResourceMemory: resource.MustParse("256Mi"),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse("500m"),
									corev1.ResourceMemory: resource.MustParse("512Mi"),
								},
							},
							ReadinessProbe: probe(spec.HealthPath, port, 5),
							LivenessProbe:  probe(spec.HealthPath, port, 15),
						},
					},
				},
			},
		},
	}
	if _, err := d.client.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create deployment: %w", err)
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels(name)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Port: 80, TargetPort: intstr.FromInt32(port)},
			},
		},
	}
	if _, err := d.client.CoreV1().Services(ns).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create service: %w", err)
	}

	host := name + "." + d.baseDomain(spec)
	pathType := networkingv1.PathTypePrefix
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels(name)},
		Spec: networkingv1.IngressSpec{
			IngressClassName: ingressClass(d.cfg.IngressClass),
			TLS: []networkingv1.IngressTLS{
				{Hosts: []string{host}, SecretName: d.cfg.TLSSecret},
			},
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name,
											Port: networkingv1.ServiceBackendPort{Number: 80},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if _, err := d.client.NetworkingV1().Ingresses(ns).Create(ctx, ingress, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("create ingress: %w", err)
	}

	return name, nil
}

func (d *Kube) baseDomain(spec *recipe.Spec) string {
	return hostBaseDomain(spec)
}

func (d *Kube) SetReplicas(ctx context.Context, name string, replicas int) error {
	deployment, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s: %w", name, err)
	}
	deployment.Spec.Replicas = ptrInt32(int32(replicas))
	if _, err := d.client.AppsV1().Deployments(d.namespace).Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scale deployment %s: %w", name, err)
	}
	return nil
}

func (d *Kube) Describe(ctx context.Context, name string) (Info, error) {
	deployment, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return Info{}, fmt.Errorf("get deployment %s: %w", name, err)
	}
	desired := 0
	if deployment.Spec.Replicas != nil {
		desired = int(*deployment.Spec.Replicas)
	}
	ready := int(deployment.Status.ReadyReplicas)
	return Info{
		Running:      ready > 0,
		ReplicaCount: desired,
		ReadyCount:   ready,
	}, nil
}

// Teardown deletes Ingress, Service, Deployment, and Secret independently,
// treating not-found as success.
func (d *Kube) Teardown(ctx context.Context, name string) error {
	ns := d.namespace
	var failed int

	step := func(what string, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, teardownStepTimeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			if apierrors.IsNotFound(err) {
				zap.S().Debugf("Teardown %s for %s: already gone", what, name)
				return
			}
			failed++
			zap.S().Errorf("Teardown %s for %s failed: %v", what, name, err)
		}
	}

	step("ingress", func(c context.Context) error {
		return d.client.NetworkingV1().Ingresses(ns).Delete(c, name, metav1.DeleteOptions{})
	})
	step("service", func(c context.Context) error {
		return d.client.CoreV1().Services(ns).Delete(c, name, metav1.DeleteOptions{})
	})
	step("deployment", func(c context.Context) error {
		return d.client.AppsV1().Deployments(ns).Delete(c, name, metav1.DeleteOptions{})
	})
	step("secret", func(c context.Context) error {
		return d.client.CoreV1().Secrets(ns).Delete(c, name, metav1.DeleteOptions{})
	})

	if failed > 0 {
		return fmt.Errorf("teardown of %s: %d resource deletions failed", name, failed)
	}
	return nil
}

func probe(path string, port int32, initialDelay int32) *corev1.Probe {
	return &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: path,
				Port: intstr.FromInt32(port),
			},
		},
		InitialDelaySeconds: initialDelay,
		PeriodSeconds:       10,
	}
}

func ingressClass(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}

func ptrInt32(v int32) *int32 { return &v }
