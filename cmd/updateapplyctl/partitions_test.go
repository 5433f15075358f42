// Copyright The Mantle Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flatcar/updateapply/attempter"
	"github.com/flatcar/updateapply/bootcontrol"
)

func TestParsePartitionsBasic(t *testing.T) {
	got, err := parsePartitions([]string{
		"name=system,device=/dev/disk/by-partlabel/USR-A,fs=ext4,postinstall=postinst",
		"name=oem,device=/dev/disk/by-partlabel/OEM,fs=ext4,optional",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "system", got[0].Name)
	assert.Equal(t, "postinst", got[0].PostinstallPath)
	assert.True(t, got[1].PostinstallOptional, "oem partition should be optional")
	for i, p := range got {
		assert.True(t, p.RunPostinstall, "partition %d: RunPostinstall should default true", i)
	}
}

func TestParsePartitionsRejectsMissingRequiredFields(t *testing.T) {
	_, err := parsePartitions([]string{"fs=ext4"})
	assert.Error(t, err)
}

func TestParsePartitionsRejectsUnknownField(t *testing.T) {
	_, err := parsePartitions([]string{"name=system,device=/dev/x,bogus=1"})
	assert.Error(t, err)
}

func TestParsePartitionsRejectsMalformedField(t *testing.T) {
	_, err := parsePartitions([]string{"name"})
	assert.Error(t, err)
}

func TestStaticPlanBuilderResolvesOmittedDevice(t *testing.T) {
	partitions, err := parsePartitions([]string{"name=USR,fs=ext4"})
	require.NoError(t, err)

	b := staticPlanBuilder{partitions: partitions, bootControl: bootcontrol.NewFake()}
	plan, err := b.BuildInstallPlan(nil, attempter.Request{TargetSlot: 1})
	require.NoError(t, err)
	require.Len(t, plan.Partitions, 1)
	assert.Equal(t, "/dev/fake/USR-B", plan.Partitions[0].ReadonlyTargetPath)
}

func TestStaticPlanBuilderKeepsExplicitDevice(t *testing.T) {
	partitions, err := parsePartitions([]string{"name=USR,device=/dev/explicit"})
	require.NoError(t, err)

	b := staticPlanBuilder{partitions: partitions, bootControl: bootcontrol.NewFake()}
	plan, err := b.BuildInstallPlan(nil, attempter.Request{TargetSlot: 1})
	require.NoError(t, err)
	assert.Equal(t, "/dev/explicit", plan.Partitions[0].ReadonlyTargetPath)
}

func TestStaticPlanBuilderCarriesDownloadURL(t *testing.T) {
	partitions, err := parsePartitions([]string{"name=USR,device=/dev/explicit"})
	require.NoError(t, err)

	b := staticPlanBuilder{partitions: partitions, bootControl: bootcontrol.NewFake()}
	plan, err := b.BuildInstallPlan(nil, attempter.Request{TargetSlot: 1, DownloadURL: "/tmp/payload.bin"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/payload.bin", plan.DownloadURL)
}
