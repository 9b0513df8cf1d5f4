// Cloud Tasks transport for the outbox worker, selected by
// config.CloudTasksConfig as a rate-limited alternate to direct HTTP
// delivery. Grounded on the teacher's internal/webhooks/cloud_dispatcher.go
// queue-path/CreateTask shape: rather than POSTing to the destination
// itself, the worker hands the signed request to a Cloud Tasks queue, which
// owns the retry/backoff schedule and the eventual POST to dest.URL.
package outbox

import (
	"context"
	"fmt"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksSender enqueues each delivery as an HTTP task on a single
// Cloud Tasks queue rather than issuing the outbound POST itself.
type CloudTasksSender struct {
	client    *cloudtasks.Client
	queuePath string
	targetURL string
}

// NewCloudTasksSender builds a sender bound to one queue. targetURL is the
// base URL tasks are delivered to when a destination doesn't carry its own
// (SPEC_FULL.md's Cloud Tasks path is a shared ingress fanning back out by
// delivery headers, matching the teacher's cloud_dispatcher.go convention).
func NewCloudTasksSender(ctx context.Context, projectID, location, queueID, targetURL string) (*CloudTasksSender, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: cloudtasks client: %w", err)
	}
	return &CloudTasksSender{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, location, queueID),
		targetURL: targetURL,
	}, nil
}

// Close releases the underlying Cloud Tasks client.
func (s *CloudTasksSender) Close() error {
	return s.client.Close()
}

// Send enqueues a POST task carrying the signed delivery. Cloud Tasks
// accepts the enqueue as fire-and-forget; a successful CreateTask call maps
// to a 200 the same way a successful Pub/Sub publish does.
func (s *CloudTasksSender) Send(ctx context.Context, dest Destination, deliveryID string, headers map[string]string, body []byte) (int, error) {
	url := dest.URL
	if url == "" {
		url = s.targetURL
	}

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        url,
					Headers:    headers,
					Body:       body,
				},
			},
		},
	}

	if _, err := s.client.CreateTask(ctx, req); err != nil {
		return 0, fmt.Errorf("outbox: cloudtasks create task for %s: %w", dest.ID, err)
	}
	return 200, nil
}
