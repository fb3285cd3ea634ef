package cli

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/task"
)

// EnqueueCmd records a task action in the local queue.
func EnqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a task action for later sync",
	}
	cmd.AddCommand(enqueueStartCmd(), enqueueCompleteCmd(), enqueueChecklistCmd())
	return cmd
}

func enqueueStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [task_id]",
		Short: "Queue starting a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			in := task.StartInput{}
			in.Lat, in.Lng = coordFlags(cmd)
			if in.PhotoBefore, err = photoFlag(cmd); err != nil {
				return err
			}
			return enqueue(cmd, taskID, "start", in)
		},
	}
	addCoordFlags(cmd)
	return cmd
}

func enqueueCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete [task_id]",
		Short: "Queue completing a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			in := task.CompleteInput{}
			in.Lat, in.Lng = coordFlags(cmd)
			if in.PhotoAfter, err = photoFlag(cmd); err != nil {
				return err
			}
			return enqueue(cmd, taskID, "complete", in)
		},
	}
	addCoordFlags(cmd)
	return cmd
}

func enqueueChecklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checklist [task_id]",
		Short: "Queue a checklist update",
		Long: `Queue a checklist update. Each --item is id:title[:done][:required],
for example --item sink:Clean\ sink:done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetStringArray("item")
			items := make([]model.ChecklistItem, 0, len(raw))
			for _, r := range raw {
				item, err := parseItem(r)
				if err != nil {
					return err
				}
				items = append(items, item)
			}
			return enqueue(cmd, taskID, "update_checklist", task.ChecklistInput{Items: items})
		},
	}
	cmd.Flags().StringArray("item", nil, "checklist item id:title[:done][:required] (repeatable)")
	return cmd
}

func enqueue(cmd *cobra.Command, taskID int64, operationType string, payload any) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	entry, err := e.queue.Enqueue(cmd.Context(), taskID, operationType, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s Queued %s for task %d (%s)\n", ok(), operationType, taskID, entry.OperationID)
	return nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func addCoordFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("lat", 0, "current latitude")
	cmd.Flags().Float64("lng", 0, "current longitude")
	cmd.Flags().String("photo", "", "path to a photo to attach")
}

// coordFlags returns the coordinates only when both flags were given.
func coordFlags(cmd *cobra.Command) (*float64, *float64) {
	if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lng") {
		return nil, nil
	}
	lat, _ := cmd.Flags().GetFloat64("lat")
	lng, _ := cmd.Flags().GetFloat64("lng")
	return &lat, &lng
}

func photoFlag(cmd *cobra.Command) (*task.Photo, error) {
	path, _ := cmd.Flags().GetString("photo")
	if path == "" {
		return nil, nil
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return &task.Photo{URL: path}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read photo: %w", err)
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("%s is not an image (%s)", path, contentType)
	}
	return &task.Photo{Data: base64.StdEncoding.EncodeToString(data), ContentType: contentType}, nil
}

func parseItem(s string) (model.ChecklistItem, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || parts[0] == "" {
		return model.ChecklistItem{}, fmt.Errorf("invalid checklist item %q, want id:title[:done][:required]", s)
	}
	item := model.ChecklistItem{ID: parts[0], Title: parts[1]}
	for _, flag := range parts[2:] {
		switch flag {
		case "done":
			item.Done = true
		case "required":
			item.Required = true
		default:
			return model.ChecklistItem{}, fmt.Errorf("unknown checklist flag %q in %q", flag, s)
		}
	}
	return item, nil
}
