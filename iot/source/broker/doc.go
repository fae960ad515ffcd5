/*Package broker is the source variant which embeds an MQTT broker

In edge deployments the sensor nodes connect directly to the bridge
instead of a separate broker. The embedded broker consumes every message
published below

	{node}/#

for the configured nodes and still delivers it to any other subscriber.

Node Authorization

If a certificate authority is configured, the broker listens with TLS and
requires client certificates. The common name of a certificate must be one
of the configured nodes, and a node may only publish to its own topics.
*/
package broker
