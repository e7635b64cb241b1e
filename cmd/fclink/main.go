// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"

	"github.com/pioneershow/fclink/cmd/fclink/commands"
)

var version = "v0.1.0"

var buildDate = "unknown"
var buildMode = "development"

func main() {
	isReleaseBuild := buildMode == "release"

	info := commands.Info{
		Date:    buildDate,
		Version: version,
	}
	ctx := commands.SetInfo(context.Background(), info)
	cmd := commands.FclinkCmd(info, isReleaseBuild)
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
