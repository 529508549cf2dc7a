// Package bedrock adapts the AWS Bedrock Converse and ConverseStream APIs to
// the providers.Provider contract. Unlike the HTTP-based adapters it goes
// through the AWS SDK, so credentials come from the SDK's own chain (the
// "sdk" credential scheme) and errors are classified from smithy error codes
// and HTTP response metadata instead of raw status lines.
package bedrock
