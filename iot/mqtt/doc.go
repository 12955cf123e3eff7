/*Package mqtt provides the IoT broker with device access control

Devices and user accounts connect with their device id as user name and their secret as
password. The secret is checked against the credential hash of the device, disabled
devices are rejected.

After the connection has been established, every subscription and every published message
is checked against the access rules of the device:

	topic "dev1/#", mode write       publish and subscribe below dev1/
	topic "broadcast/+", mode read   subscribe to broadcast/news, but not to broadcast/#

Topics use the usual MQTT wildcards. Rules which are disabled grant nothing. Superuser
devices bypass the access rules.

Scheduled commands are published by the service itself with PublishMessageQ1.
*/
package mqtt
