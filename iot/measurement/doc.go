/*Package measurement decodes sensor payloads into records

Every measurement kind a sensor node may publish is registered once in a
Schema, together with the rule that decodes its payload. There are three
families of rules:

Scalar kinds carry a single numeric literal, for example

	bedroom/fhz  21.5

which decodes to {"fhz": 21.5}.

The indexed vector kind "isv" carries a JSON array of objects with current,
power and frequency codes

	[{"i":1.0,"p":2.0,"f":3.0},{"i":4.0,"p":5.0,"f":6.0}]

which is flattened to {"i_1":1, "p_1":2, "f_1":3, "i_2":4, "p_2":5, "f_2":6}.

The fixed layout kind "nrg" carries 16 positional values of a three phase
energy meter. The values are mapped to U_L1..pf_N and the derived field
n_phases counts the phases whose power exceeds the phase threshold.

Kinds that are not registered decode to ErrUnrecognizedKind, which callers
treat as "ignore this message".
*/
package measurement
