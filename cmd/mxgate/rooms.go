package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/memohai/mxgate/internal/matrix"
	"github.com/memohai/mxgate/internal/session"
)

var (
	historyPages   int
	sendImage      string
	downloadOut    string
	downloadWidth  int
	downloadHeight int
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List joined rooms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			for _, room := range sess.Current().Rooms {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", room.ID, room.Name)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ROOM",
	Short: "Print the latest messages of a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			if err := sess.SelectRoom(ctx, args[0]); err != nil {
				return err
			}
			for i := 1; i < historyPages; i++ {
				more, err := sess.LoadOlder(ctx)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}
			for _, ev := range sess.Current().Messages {
				printEvent(cmd.OutOrStdout(), ev)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send ROOM [TEXT]",
	Short: "Send a text message, or an image with --image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) > 1 {
			text = args[1]
		}
		if text == "" && sendImage == "" {
			return fmt.Errorf("nothing to send: give TEXT or --image")
		}
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			imageURL := ""
			if sendImage != "" {
				uri, err := uploadFile(ctx, sess, sendImage)
				if err != nil {
					return err
				}
				imageURL = uri
			}
			if err := sess.SelectRoom(ctx, args[0]); err != nil {
				return err
			}
			eventID, err := sess.SendMessage(ctx, text, imageURL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), eventID)
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload an image and print its mxc:// URI and download URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			uri, err := uploadFile(ctx, sess, args[0])
			if err != nil {
				return err
			}
			link, err := sess.MediaURL(uri, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", uri, link)
			return nil
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download MXC_URI",
	Short: "Download media with the session's access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var thumb *matrix.ThumbnailOptions
		if downloadWidth > 0 || downloadHeight > 0 {
			thumb = &matrix.ThumbnailOptions{Width: downloadWidth, Height: downloadHeight}
		}
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			data, contentType, err := sess.MediaContent(ctx, args[0], thumb)
			if err != nil {
				return err
			}
			if downloadOut == "" || downloadOut == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(downloadOut, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s, %d bytes\n", downloadOut, contentType, len(data))
			return nil
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join ROOM_OR_ALIAS",
	Short: "Join a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			roomID, err := sess.JoinRoom(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), roomID)
			return nil
		})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave ROOM",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
			return sess.LeaveRoom(ctx, args[0])
		})
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of pages to fetch")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "Image file to upload and send")
	downloadCmd.Flags().StringVarP(&downloadOut, "out", "o", "", "Write to this file instead of stdout")
	downloadCmd.Flags().IntVar(&downloadWidth, "width", 0, "Fetch a thumbnail of this width")
	downloadCmd.Flags().IntVar(&downloadHeight, "height", 0, "Fetch a thumbnail of this height")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, uploadCmd, downloadCmd, joinCmd, leaveCmd)
}

func uploadFile(ctx context.Context, sess *session.Session, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return sess.UploadImage(ctx, f, filepath.Base(path))
}
