// Package handler implements the HTTP front door of the balancer. It turns
// inbound server requests into balancer fetches and writes the chosen
// backend's response back to the client.
package handler
