package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tcd-eo/hlsprep/internal/workflow"
)

var shell bool
var jobid string
var dockerImage string
var binary string
var mountPath string

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "print the argo workflow (or shell script) of a full run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tt, err := tiles(tileIDs)
		if err != nil {
			return err
		}
		sensors, err := cfg.Sensors()
		if err != nil {
			return err
		}
		plan := workflow.Plan{
			Binary:  binary,
			Tiles:   tt,
			Sensors: sensors,
			Publish: cfg.Publish.Bucket != "",
			JobID:   jobid,
		}
		if configFile != "" {
			// the config is expected next to the data on the mounted volume
			plan.Config = filepath.Join(mountPath, filepath.Base(configFile))
		}
		if shell {
			plan.Config = configFile
			fmt.Print(plan.Script())
			return nil
		}
		image := cfg.Workflow.Image
		if dockerImage != "" {
			image = dockerImage
		}
		wf, err := plan.Workflow(workflow.Cluster{
			Image:          image,
			Namespace:      cfg.Workflow.Namespace,
			ServiceAccount: cfg.Workflow.ServiceAccount,
			Claim:          cfg.Workflow.Claim,
			MountPath:      mountPath,
			Parallelism:    cfg.Workflow.Parallelism,
		})
		if err != nil {
			return err
		}
		y, err := workflow.Marshal(wf)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(y)
		return err
	},
}

func init() {
	workflowCmd.Flags().BoolVar(&shell, "shell", false, "output shell script instead of argo workflow")
	workflowCmd.Flags().StringVar(&jobid, "jobID", "", "(advanced) use predefined job identifier")
	workflowCmd.Flags().StringVar(&dockerImage, "dockerImage", "", "docker image for workers, overrides the configured one")
	workflowCmd.Flags().StringVar(&binary, "binary", "/usr/local/bin/hlsprep", "hlsprep executable in the image")
	workflowCmd.Flags().StringVar(&mountPath, "mount", "/data", "mount path of the data volume")
	workflowCmd.Flags().StringArrayVar(&tileIDs, "tile", nil, "only run this tile (repeatable)")
}
