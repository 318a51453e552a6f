// Copyright 2023 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package producers

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/bracken/internal/canonical"
	"github.com/matrix-org/bracken/keystore/api"
)

// SignatureUpload hands newly-created signatures to the transport for
// propagation to the rest of the network.
type SignatureUpload struct {
	Uploader api.SignatureUploader
}

// ProduceSignatureUpload sends one signed payload upstream. A nil uploader
// means no transport is configured, in which case the signature stays
// local only.
func (p *SignatureUpload) ProduceSignatureUpload(
	ctx context.Context, userID string, keyID canonical.KeyID, signedJSON []byte,
) error {
	if p.Uploader == nil {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"key_id":  keyID,
		}).Debug("No signature uploader configured, keeping signature local")
		return nil
	}
	return p.Uploader.UploadSignatures(ctx, userID, string(keyID), signedJSON)
}
