// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device cloud's IoT functionality

It contains the device access-control engine, which decides which user controls which device
and projects that into broker access rules, and the scheduled command engine, which turns
"switch device on or off at time T" requests into jobs that publish to the device's topic.

The embedded MQTT broker enforces the access rules and doubles as the command dispatcher. The
engines only need the Dispatcher interface, so they can be used with a different broker as well.
*/
package iot
