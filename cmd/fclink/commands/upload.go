// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func UploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload a firmware image to the board",
		Long: "Upload a firmware image to the board.\n" +
			"The image is checked against the firmware running on the board before anything is sent.\n" +
			"Use --restart to boot into the new image once it has been verified.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			restart, err := cmd.Flags().GetBool("restart")
			if err != nil {
				return err
			}
			timeout, err := cmd.Flags().GetDuration("timeout")
			if err != nil {
				return err
			}

			s, err := connect(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var bar *pb.ProgressBar
			progress := func(int) {}
			if term.IsTerminal(int(os.Stdout.Fd())) {
				bar = pb.New(len(image)).Set(pb.Bytes, true).Start()
				progress = func(acked int) { bar.SetCurrent(int64(acked)) }
			}
			err = s.manager.UploadFirmware(cmd.Context(), image, progress)
			if bar != nil {
				bar.Finish()
			}
			var incompatible *link.IncompatibleError
			if errors.As(err, &incompatible) {
				return fmt.Errorf("%w\nThe image was not sent. Pick an image built for this board", err)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %d bytes.\n", len(image))

			if !restart {
				return nil
			}
			return restartAndWait(cmd, s, timeout)
		},
	}
	cmd.Flags().Bool("restart", false, "restart the board after the upload")
	addConnectFlags(cmd)
	return cmd
}
