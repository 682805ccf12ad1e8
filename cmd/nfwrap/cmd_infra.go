// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/network"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/registry"
	"github.com/pjongeneel/nextflow-docker/cmd/nfwrap/internal/infra/stack"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	vpcID      string
	vpcSubnets []string

	stackTemplate     string
	stackParams       map[string]string
	stackTags         map[string]string
	stackCapabilities []string
	stackNoWait       bool

	ecrScanOnPush bool
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var (
	infraCmd = &cobra.Command{
		Use:   "infra",
		Short: "Manage the AWS resources pipelines run on",
	}

	vpcCmd = &cobra.Command{
		Use:   "vpc",
		Short: "VPC checks",
	}
	vpcValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Check that a VPC and its subnets can host a Batch compute environment",
		Args:  cobra.NoArgs,
		RunE:  runVPCValidate,
	}

	stackCmd = &cobra.Command{
		Use:   "stack",
		Short: "CloudFormation stacks",
	}
	stackDeployCmd = &cobra.Command{
		Use:   "deploy <name>",
		Short: "Create or update a stack",
		Long: `Creates the stack when it does not exist and updates it otherwise.
A stack left in ROLLBACK_COMPLETE by a failed creation is deleted and
created again. --template takes a local file, an s3:// URI or an https URL.`,
		Args: cobra.ExactArgs(1),
		RunE: runStackDeploy,
	}
	stackDescribeCmd = &cobra.Command{
		Use:   "describe <name>",
		Short: "Show a stack's status and outputs",
		Args:  cobra.ExactArgs(1),
		RunE:  runStackDescribe,
	}
	stackDeleteCmd = &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a stack",
		Args:  cobra.ExactArgs(1),
		RunE:  runStackDelete,
	}

	ecrCmd = &cobra.Command{
		Use:   "ecr",
		Short: "ECR repositories",
	}
	ecrEnsureCmd = &cobra.Command{
		Use:   "ensure <repository>",
		Short: "Print a repository URI, creating the repository if needed",
		Args:  cobra.ExactArgs(1),
		RunE:  runECREnsure,
	}
	ecrLoginCmd = &cobra.Command{
		Use:   "login",
		Short: "Log docker in to the account's registry",
		Args:  cobra.NoArgs,
		RunE:  runECRLogin,
	}
)

func init() {
	vpcValidateCmd.Flags().StringVar(&vpcID, "vpc", "", "VPC ID")
	vpcValidateCmd.Flags().StringSliceVar(&vpcSubnets, "subnets", nil, "Subnet IDs (comma separated or repeated)")

	stackDeployCmd.Flags().StringVar(&stackTemplate, "template", "", "Template file, s3:// URI or https URL")
	stackDeployCmd.Flags().StringToStringVar(&stackParams, "param", nil, "Stack parameter key=value (repeatable)")
	stackDeployCmd.Flags().StringToStringVar(&stackTags, "tag", nil, "Stack tag key=value (repeatable)")
	stackDeployCmd.Flags().StringSliceVar(&stackCapabilities, "capability", []string{"CAPABILITY_NAMED_IAM"}, "Acknowledged capabilities")
	stackDeployCmd.Flags().BoolVar(&stackNoWait, "no-wait", false, "Return without waiting for completion")
	_ = stackDeployCmd.MarkFlagRequired("template")
	stackDeleteCmd.Flags().BoolVar(&stackNoWait, "no-wait", false, "Return without waiting for completion")

	ecrEnsureCmd.Flags().BoolVar(&ecrScanOnPush, "scan-on-push", true, "Enable image scanning on push for new repositories")

	rootCmd.AddCommand(infraCmd)

	infraCmd.AddCommand(vpcCmd)
	vpcCmd.AddCommand(vpcValidateCmd)

	infraCmd.AddCommand(stackCmd)
	stackCmd.AddCommand(stackDeployCmd)
	stackCmd.AddCommand(stackDescribeCmd)
	stackCmd.AddCommand(stackDeleteCmd)

	infraCmd.AddCommand(ecrCmd)
	ecrCmd.AddCommand(ecrEnsureCmd)
	ecrCmd.AddCommand(ecrLoginCmd)
}

// =============================================================================
// VPC
// =============================================================================

var errNetworkInvalid = errors.New("network validation failed")

func runVPCValidate(cmd *cobra.Command, args []string) error {
	awsCfg, err := awsConfig(cmd.Context())
	if err != nil {
		return err
	}
	report, err := network.NewValidator(newEC2API(awsCfg)).Validate(cmd.Context(), vpcID, vpcSubnets)
	if err != nil {
		return err
	}

	app.out.Title("VPC " + vpcID)
	if report.VpcFound {
		app.out.Check(report.VpcState == "available", fmt.Sprintf("VPC %s %s (%s)", report.VpcID, report.VpcState, report.CidrBlock))
	}
	for _, s := range report.Subnets {
		if !s.Found {
			continue
		}
		ok := s.State == "available" && s.VpcID == vpcID
		app.out.Check(ok, fmt.Sprintf("subnet %s in %s, %s, %d free IPs", s.ID, s.AvailabilityZone, s.State, s.AvailableIPs))
	}
	for _, w := range report.Warnings {
		app.out.Warning(w)
	}
	if !report.OK() {
		for _, p := range report.Problems {
			app.out.Error(p)
		}
		return fmt.Errorf("%w: %d problem(s)", errNetworkInvalid, len(report.Problems))
	}
	app.out.Success("Network is usable")
	return nil
}

// =============================================================================
// Stacks
// =============================================================================

func newStackManager(cmd *cobra.Command) (*stack.Manager, error) {
	awsCfg, err := awsConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	return stack.NewManager(newStackAPI(awsCfg), app.logger), nil
}

func runStackDeploy(cmd *cobra.Command, args []string) error {
	mgr, err := newStackManager(cmd)
	if err != nil {
		return err
	}
	body, url, err := stack.TemplateSource(stackTemplate)
	if err != nil {
		return err
	}

	st, err := mgr.Deploy(cmd.Context(), stack.Input{
		Name:         args[0],
		TemplateBody: body,
		TemplateURL:  url,
		Parameters:   stackParams,
		Tags:         stackTags,
		Capabilities: stackCapabilities,
		Wait:         !stackNoWait,
	})
	if err != nil {
		return err
	}
	printStack(st)
	return nil
}

func runStackDescribe(cmd *cobra.Command, args []string) error {
	mgr, err := newStackManager(cmd)
	if err != nil {
		return err
	}
	st, err := mgr.Describe(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printStack(st)
	return nil
}

func runStackDelete(cmd *cobra.Command, args []string) error {
	mgr, err := newStackManager(cmd)
	if err != nil {
		return err
	}
	if err := mgr.Delete(cmd.Context(), args[0], !stackNoWait); err != nil {
		return err
	}
	app.out.Success("Deleted stack " + args[0])
	return nil
}

func printStack(st *stack.Stack) {
	app.out.Title("Stack " + st.Name)
	fields := map[string]string{"name": st.Name, "id": st.ID, "status": st.Status}
	if st.StatusReason != "" {
		fields["reason"] = st.StatusReason
	}
	app.out.KeyValues(fields)
	if len(st.Outputs) > 0 {
		outputs := make(map[string]string, len(st.Outputs))
		for k, v := range st.Outputs {
			outputs["output."+k] = v
		}
		app.out.KeyValues(outputs)
	}
}

// =============================================================================
// ECR
// =============================================================================

func newRegistryManager(cmd *cobra.Command) (*registry.Manager, error) {
	awsCfg, err := awsConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	return registry.NewManager(newRegistryAPI(awsCfg), app.logger), nil
}

func runECREnsure(cmd *cobra.Command, args []string) error {
	mgr, err := newRegistryManager(cmd)
	if err != nil {
		return err
	}
	uri, err := mgr.Ensure(cmd.Context(), args[0], ecrScanOnPush)
	if err != nil {
		return err
	}
	app.out.KeyValues(map[string]string{"repository": args[0], "uri": uri, "scan_on_push": strconv.FormatBool(ecrScanOnPush)})
	return nil
}

func runECRLogin(cmd *cobra.Command, args []string) error {
	mgr, err := newRegistryManager(cmd)
	if err != nil {
		return err
	}
	endpoint, err := mgr.Login(cmd.Context(), newProcessManager())
	if err != nil {
		return err
	}
	app.out.Success("Logged in to " + endpoint)
	return nil
}
