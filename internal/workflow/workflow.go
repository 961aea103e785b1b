// Package workflow turns a fetch/process run into an argo workflow or a
// shell script.
package workflow

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
	wfv1 "github.com/argoproj/argo-workflows/v3/pkg/apis/workflow/v1alpha1"
	"github.com/google/uuid"
	"github.com/tcd-eo/hlsprep"
	k8sv1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	k8smeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"sigs.k8s.io/yaml"
)

// Plan lists what a run does.
type Plan struct {
	// Binary is the hlsprep executable in the image.
	Binary string
	// Config is passed as --config to every command.
	Config  string
	Tiles   []hlsprep.Tile
	Sensors []hlsprep.Sensor
	Publish bool
	JobID   string
}

// Stages returns the commands of the plan, grouped by stage. Commands of a
// stage are independent of each other.
func (p Plan) Stages() [][][]string {
	cmd := func(args ...string) []string {
		c := append([]string{p.Binary}, args...)
		if p.Config != "" {
			c = append(c, "--config", p.Config)
		}
		return c
	}
	var fetch, process [][]string
	for _, t := range p.Tiles {
		fetch = append(fetch, cmd("fetch", "--tile", t.ID))
	}
	for _, s := range p.Sensors {
		process = append(process, cmd("process", "--sensor", string(s)))
	}
	stages := [][][]string{fetch, process}
	if p.Publish {
		stages = append(stages, [][]string{cmd("publish")})
	}
	return stages
}

// Script returns the plan as a sh script.
func (p Plan) Script() string {
	sb := strings.Builder{}
	sb.WriteString("#!/bin/sh\nset -e\n")
	for _, stage := range p.Stages() {
		for _, c := range stage {
			sb.WriteString(shellescape.QuoteCommand(c))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Cluster holds the kubernetes settings of the workflow.
type Cluster struct {
	Image          string
	Namespace      string
	ServiceAccount string
	// Claim is the persistent volume claim holding the data tree, mounted
	// at MountPath.
	Claim       string
	MountPath   string
	Parallelism int
}

func int32Ptr(val int32) *int32 {
	return &val
}

func int64Ptr(val int64) *int64 {
	return &val
}

func intOrStringPtr(val int) *intstr.IntOrString {
	a := intstr.FromInt(val)
	return &a
}

func stepName(c []string) string {
	// binary subcommand --flag value
	name := c[1]
	if len(c) > 3 && strings.HasPrefix(c[2], "--") && c[2] != "--config" {
		name += "-" + c[3]
	}
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// Workflow returns the argo workflow running p on cl.
func (p Plan) Workflow(cl Cluster) (*wfv1.Workflow, error) {
	if cl.Image == "" {
		return nil, fmt.Errorf("missing image")
	}
	if len(p.Tiles) == 0 || len(p.Sensors) == 0 {
		return nil, fmt.Errorf("nothing to run")
	}
	jobID := p.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	wf := &wfv1.Workflow{
		ObjectMeta: k8smeta.ObjectMeta{
			GenerateName: "hlsprep-",
			Namespace:    cl.Namespace,
			Labels:       map[string]string{"hlsprep/job": jobID},
		},
		TypeMeta: k8smeta.TypeMeta{
			APIVersion: "argoproj.io/v1alpha1",
			Kind:       "Workflow",
		},
		Spec: wfv1.WorkflowSpec{
			TTLStrategy: &wfv1.TTLStrategy{
				SecondsAfterSuccess: int32Ptr(3600),
			},
			Entrypoint:         "hlsprep",
			ServiceAccountName: cl.ServiceAccount,
			TemplateDefaults: &wfv1.Template{
				Container: &k8sv1.Container{
					ImagePullPolicy: k8sv1.PullAlways,
					Resources: k8sv1.ResourceRequirements{
						Requests: k8sv1.ResourceList{
							k8sv1.ResourceCPU:    resource.MustParse("1"),
							k8sv1.ResourceMemory: resource.MustParse("2G"),
						},
					},
				},
			},
			Templates: []wfv1.Template{
				{Name: "hlsprep"},
			},
		},
	}
	if cl.Parallelism > 0 {
		wf.Spec.Parallelism = int64Ptr(int64(cl.Parallelism))
	}
	var mounts []k8sv1.VolumeMount
	if cl.Claim != "" {
		wf.Spec.Volumes = []k8sv1.Volume{{
			Name: "data",
			VolumeSource: k8sv1.VolumeSource{
				PersistentVolumeClaim: &k8sv1.PersistentVolumeClaimVolumeSource{ClaimName: cl.Claim},
			},
		}}
		mounts = []k8sv1.VolumeMount{{Name: "data", MountPath: cl.MountPath}}
	}

	for s, stage := range p.Stages() {
		ps := wfv1.ParallelSteps{}
		for _, c := range stage {
			step := wfv1.WorkflowStep{
				Name: stepName(c),
				Inline: &wfv1.Template{
					RetryStrategy: &wfv1.RetryStrategy{
						Limit: intOrStringPtr(3),
					},
					Container: &k8sv1.Container{
						Name:         c[1],
						Image:        cl.Image,
						Command:      c,
						VolumeMounts: mounts,
					},
				},
			}
			if s == 1 {
				step.Inline.Metadata = wfv1.Metadata{
					Annotations: map[string]string{
						"cluster-autoscaler.kubernetes.io/safe-to-evict": "false",
					},
				}
				step.Inline.Container.Resources = k8sv1.ResourceRequirements{
					Requests: k8sv1.ResourceList{
						k8sv1.ResourceCPU:    resource.MustParse("4"),
						k8sv1.ResourceMemory: resource.MustParse("16G"),
					},
				}
			}
			ps.Steps = append(ps.Steps, step)
		}
		wf.Spec.Templates[0].Steps = append(wf.Spec.Templates[0].Steps, ps)
	}
	return wf, nil
}

// Marshal renders wf as yaml.
func Marshal(wf *wfv1.Workflow) ([]byte, error) {
	return yaml.Marshal(wf)
}
