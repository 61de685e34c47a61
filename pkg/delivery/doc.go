// Package delivery defines what the fan-out engine needs from the things it
// delivers to: subscription queues and remote cluster targets, the options a
// subscription is created with, and the per-publish delivery summary.
package delivery
